// Package krf encodes facts as KRF S-expressions and decodes them back.
//
// One fact is one expression:
//
//	(isa Jim Person 1708621921.123 :camera "cam1")
//	(edge Jim Jack :CO_ATTENDING 1708621921.123 :camera "cam1")
//	(metric Jim :ENGAGEMENT 0.87 1708621921.123)
//	(metric ROOM :AVG_ENGAGEMENT 0.7 1708621921.123 :member Jim 0.87 :member Jack 0.53)
//	(signal Jim :EMOTION:HAPPY 0.82 1708621921.123 :confidence 0.91 :primary true)
//	(signal Jim "EMOTION:VERY HAPPY" 0.4 1708621921.123 :confidence 0.91 :category "Very Happy")
//	(protocol-divergence "intro" :ENGAGEMENT :expected 0.8 :actual 0.72 :divergence -0.08 :elapsed 12.5 1708621921.123)
//
// Relations, metrics and labels that cannot be written as keywords are
// quoted strings. A signal whose category does not survive the upper-cased
// label carries it verbatim in :category. Timestamps are Unix seconds with
// millisecond resolution.
package krf

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jack-at-someai/core/internal/types"
)

// DefaultMicrotheory is the context emitted by EncodeBundle
const DefaultMicrotheory = "CharlotteMt"

// Encode renders a fact as a single KRF expression
func Encode(f types.Fact) string {
	var b strings.Builder
	switch v := f.(type) {
	case types.NodeFact:
		fmt.Fprintf(&b, "(isa %s %s %s", atom(v.ID), atom(v.Type), formatTime(v.At))
		if v.SourceID != "" {
			fmt.Fprintf(&b, " :camera %s", strconv.Quote(v.SourceID))
		}
	case types.EdgeFact:
		fmt.Fprintf(&b, "(edge %s %s %s %s", atom(v.From), atom(v.To), keyword(v.Relation), formatTime(v.At))
		if v.SourceID != "" {
			fmt.Fprintf(&b, " :camera %s", strconv.Quote(v.SourceID))
		}
	case types.MetricFact:
		fmt.Fprintf(&b, "(metric %s %s %s %s", atom(v.Node), keyword(v.Metric), formatFloat(v.Value), formatTime(v.At))
		names := make([]string, 0, len(v.Individual))
		for name := range v.Individual {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, " :member %s %s", atom(name), formatFloat(v.Individual[name]))
		}
	case types.SignalFact:
		label := v.Label()
		fmt.Fprintf(&b, "(signal %s %s %s %s :confidence %s",
			atom(v.Node), keyword(label), formatFloat(v.Value), formatTime(v.At), formatFloat(v.Confidence))
		if v.Primary {
			b.WriteString(" :primary true")
		}
		if types.CategoryFromLabel(label) != v.Category {
			fmt.Fprintf(&b, " :category %s", strconv.Quote(v.Category))
		}
		if v.SourceID != "" {
			fmt.Fprintf(&b, " :camera %s", strconv.Quote(v.SourceID))
		}
	case types.ProtocolFact:
		fmt.Fprintf(&b, "(protocol-divergence %s %s :expected %s :actual %s :divergence %s :elapsed %s %s",
			strconv.Quote(v.PhaseID), keyword(v.Metric),
			formatFloat(v.Expected), formatFloat(v.Actual), formatFloat(v.Divergence),
			formatMillis(v.Elapsed.Milliseconds()), formatTime(v.At))
	default:
		return ""
	}
	b.WriteByte(')')
	return b.String()
}

// EncodeBundle renders a fact preceded by its microtheory context line
func EncodeBundle(microtheory string, f types.Fact) string {
	return fmt.Sprintf("(in-microtheory %s)\n%s", atom(microtheory), Encode(f))
}

// Decode parses KRF text and returns the first fact it contains.
// Context lines such as in-microtheory are skipped. Malformed input
// yields (nil, false).
func Decode(src string) (types.Fact, bool) {
	toks, err := lex(src)
	if err != nil {
		return nil, false
	}
	exprs, err := expressions(toks)
	if err != nil {
		return nil, false
	}
	for _, expr := range exprs {
		if len(expr) == 0 || expr[0].kind != tokSymbol {
			return nil, false
		}
		if expr[0].text == "in-microtheory" {
			continue
		}
		f, err := decodeExpr(expr)
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

func decodeExpr(expr []token) (types.Fact, error) {
	head, args := expr[0].text, expr[1:]
	switch head {
	case "isa":
		return decodeNode(args)
	case "edge":
		return decodeEdge(args)
	case "metric":
		return decodeMetric(args)
	case "signal":
		return decodeSignal(args)
	case "protocol-divergence":
		return decodeProtocol(args)
	default:
		return nil, fmt.Errorf("krf: unknown predicate %q", head)
	}
}

func decodeNode(args []token) (types.Fact, error) {
	if len(args) < 3 {
		return nil, errArity("isa")
	}
	id, err := identifier(args[0])
	if err != nil {
		return nil, err
	}
	typ, err := identifier(args[1])
	if err != nil {
		return nil, err
	}
	at, err := parseTime(args[2])
	if err != nil {
		return nil, err
	}
	f := types.NodeFact{ID: id, Type: typ, At: at}
	err = options(args[3:], func(key string, next func() (token, bool)) error {
		if key != "camera" {
			return skip(next)
		}
		t, ok := next()
		if !ok {
			return errArity("isa")
		}
		f.SourceID, err = identifier(t)
		return err
	})
	return f, err
}

func decodeEdge(args []token) (types.Fact, error) {
	if len(args) < 4 {
		return nil, errArity("edge")
	}
	from, err := identifier(args[0])
	if err != nil {
		return nil, err
	}
	to, err := identifier(args[1])
	if err != nil {
		return nil, err
	}
	relation, err := keywordName(args[2], "edge relation")
	if err != nil {
		return nil, err
	}
	at, err := parseTime(args[3])
	if err != nil {
		return nil, err
	}
	f := types.EdgeFact{From: from, To: to, Relation: relation, At: at}
	err = options(args[4:], func(key string, next func() (token, bool)) error {
		if key != "camera" {
			return skip(next)
		}
		t, ok := next()
		if !ok {
			return errArity("edge")
		}
		f.SourceID, err = identifier(t)
		return err
	})
	return f, err
}

func decodeMetric(args []token) (types.Fact, error) {
	if len(args) < 4 {
		return nil, errArity("metric")
	}
	node, err := identifier(args[0])
	if err != nil {
		return nil, err
	}
	metric, err := keywordName(args[1], "metric name")
	if err != nil {
		return nil, err
	}
	value, err := parseFloat(args[2])
	if err != nil {
		return nil, err
	}
	at, err := parseTime(args[3])
	if err != nil {
		return nil, err
	}
	f := types.MetricFact{Node: node, Metric: metric, Value: value, At: at}
	err = options(args[4:], func(key string, next func() (token, bool)) error {
		if key != "member" {
			return skip(next)
		}
		nameTok, ok1 := next()
		valTok, ok2 := next()
		if !ok1 || !ok2 {
			return errArity("metric :member")
		}
		name, err := identifier(nameTok)
		if err != nil {
			return err
		}
		v, err := parseFloat(valTok)
		if err != nil {
			return err
		}
		if f.Individual == nil {
			f.Individual = make(map[string]float64)
		}
		f.Individual[name] = v
		return nil
	})
	return f, err
}

func decodeSignal(args []token) (types.Fact, error) {
	if len(args) < 4 {
		return nil, errArity("signal")
	}
	node, err := identifier(args[0])
	if err != nil {
		return nil, err
	}
	label, err := keywordName(args[1], "signal label")
	if err != nil {
		return nil, err
	}
	value, err := parseFloat(args[2])
	if err != nil {
		return nil, err
	}
	at, err := parseTime(args[3])
	if err != nil {
		return nil, err
	}
	f := types.SignalFact{
		Node:     node,
		Category: types.CategoryFromLabel(label),
		Value:    value,
		At:       at,
	}
	err = options(args[4:], func(key string, next func() (token, bool)) error {
		t, ok := next()
		if !ok {
			return errArity("signal :" + key)
		}
		switch key {
		case "confidence":
			f.Confidence, err = parseFloat(t)
		case "primary":
			f.Primary, err = strconv.ParseBool(t.text)
		case "camera":
			f.SourceID, err = identifier(t)
		case "category":
			f.Category, err = identifier(t)
		}
		return err
	})
	return f, err
}

func decodeProtocol(args []token) (types.Fact, error) {
	if len(args) < 3 {
		return nil, errArity("protocol-divergence")
	}
	phase, err := identifier(args[0])
	if err != nil {
		return nil, err
	}
	metric, err := keywordName(args[1], "divergence metric")
	if err != nil {
		return nil, err
	}
	f := types.ProtocolFact{PhaseID: phase, Metric: metric}

	rest := args[2:]
	if len(rest) == 0 || rest[len(rest)-1].kind == tokKeyword {
		return nil, errArity("protocol-divergence")
	}
	// The timestamp trails the keyword options
	f.At, err = parseTime(rest[len(rest)-1])
	if err != nil {
		return nil, err
	}
	hasDivergence := false
	err = options(rest[:len(rest)-1], func(key string, next func() (token, bool)) error {
		t, ok := next()
		if !ok {
			return errArity("protocol-divergence :" + key)
		}
		switch key {
		case "expected":
			f.Expected, err = parseFloat(t)
		case "actual":
			f.Actual, err = parseFloat(t)
		case "divergence":
			f.Divergence, err = parseFloat(t)
			hasDivergence = true
		case "elapsed":
			var ms int64
			ms, err = parseMillis(t.text)
			f.Elapsed = time.Duration(ms) * time.Millisecond
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !hasDivergence {
		f.Divergence = types.Round(f.Actual-f.Expected, 4)
	}
	return f, nil
}

// options walks ":key value..." pairs. fn consumes the values for key.
func options(toks []token, fn func(key string, next func() (token, bool)) error) error {
	i := 0
	next := func() (token, bool) {
		if i >= len(toks) || toks[i].kind == tokKeyword {
			return token{}, false
		}
		t := toks[i]
		i++
		return t, true
	}
	for i < len(toks) {
		t := toks[i]
		if t.kind != tokKeyword {
			return fmt.Errorf("krf: expected keyword, got %q", t.text)
		}
		i++
		if err := fn(t.text, next); err != nil {
			return err
		}
	}
	return nil
}

// skip drops the values of an unrecognised option
func skip(next func() (token, bool)) error {
	for {
		if _, ok := next(); !ok {
			return nil
		}
	}
}

func identifier(t token) (string, error) {
	if t.kind != tokSymbol && t.kind != tokString {
		return "", fmt.Errorf("krf: expected identifier, got keyword :%s", t.text)
	}
	return t.text, nil
}

// keywordName reads a keyword or its quoted-string form
func keywordName(t token, what string) (string, error) {
	if t.kind != tokKeyword && t.kind != tokString {
		return "", fmt.Errorf("krf: %s must be a keyword", what)
	}
	return t.text, nil
}

func parseFloat(t token) (float64, error) {
	if t.kind != tokSymbol {
		return 0, fmt.Errorf("krf: expected number")
	}
	return strconv.ParseFloat(t.text, 64)
}

func parseTime(t token) (time.Time, error) {
	if t.kind != tokSymbol {
		return time.Time{}, fmt.Errorf("krf: expected timestamp")
	}
	ms, err := parseMillis(t.text)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func errArity(form string) error {
	return fmt.Errorf("krf: too few arguments for %s", form)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatTime(t time.Time) string {
	return formatMillis(t.UnixMilli())
}

// formatMillis renders milliseconds as seconds with exactly three decimals
func formatMillis(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	return fmt.Sprintf("%s%d.%03d", sign, ms/1000, ms%1000)
}

// parseMillis parses decimal seconds into milliseconds without going
// through float64, so large epochs survive exactly.
func parseMillis(s string) (int64, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("krf: invalid seconds %q", s)
	}
	if len(frac) > 3 {
		frac = frac[:3]
	}
	for len(frac) < 3 {
		frac += "0"
	}
	milli, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("krf: invalid fraction %q", s)
	}
	ms := sec*1000 + milli
	if neg {
		ms = -ms
	}
	return ms, nil
}
