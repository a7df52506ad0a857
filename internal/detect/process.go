package detect

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jack-at-someai/core/internal/types"
)

var (
	// ErrWorkerTimeout is returned when the worker does not answer in time
	ErrWorkerTimeout = errors.New("detect: worker timeout")
	// ErrWorkerDesync marks a stream whose request/response pairing was lost
	ErrWorkerDesync = errors.New("detect: worker stream out of sync")
	// ErrWorkerNotStarted is returned by Process.Detect before Start
	ErrWorkerNotStarted = errors.New("detect: worker not started")
)

// maxMessageSize caps a single response from the worker
const maxMessageSize = 16 << 20

// request is one frame sent to the worker
type request struct {
	TraceID   string  `msgpack:"trace_id"`
	SourceID  string  `msgpack:"source_id"`
	Seq       uint64  `msgpack:"seq"`
	Timestamp float64 `msgpack:"timestamp"`
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	Format    string  `msgpack:"format"`
	Data      []byte  `msgpack:"data"`
}

// response is the worker's answer to one request
type response struct {
	TraceID    string            `msgpack:"trace_id"`
	Detections []types.Detection `msgpack:"detections"`
	Error      string            `msgpack:"error"`
}

// Stream speaks the worker protocol over a reader/writer pair: each message
// is a 4-byte big-endian length followed by a msgpack document, and every
// request gets exactly one response.
//
// A timeout or framing error leaves the pairing unknown, so the stream
// marks itself broken and fails all later calls.
type Stream struct {
	r       io.Reader
	w       io.Writer
	timeout time.Duration

	mu     sync.Mutex
	broken error
}

// NewStream wraps a worker connection
func NewStream(r io.Reader, w io.Writer, timeout time.Duration) *Stream {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Stream{r: r, w: w, timeout: timeout}
}

// Err returns the error that broke the stream, if any
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

type roundTripResult struct {
	resp response
	err  error
}

// Detect implements Detector
func (s *Stream) Detect(ctx context.Context, payload types.Payload) ([]types.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return nil, s.broken
	}

	req := request{
		TraceID:   payload.TraceID,
		SourceID:  payload.SourceID,
		Seq:       payload.Seq,
		Timestamp: float64(payload.Timestamp.UnixMilli()) / 1000,
		Width:     payload.Width,
		Height:    payload.Height,
		Format:    "jpeg",
		Data:      payload.Data,
	}

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := s.roundTrip(req)
		done <- roundTripResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			s.broken = res.err
			return nil, res.err
		}
		if res.resp.TraceID != req.TraceID {
			s.broken = ErrWorkerDesync
			return nil, fmt.Errorf("%w: sent %s, got %s", ErrWorkerDesync, req.TraceID, res.resp.TraceID)
		}
		if res.resp.Error != "" {
			return nil, fmt.Errorf("detect: worker error: %s", res.resp.Error)
		}
		for i := range res.resp.Detections {
			res.resp.Detections[i].SourceID = payload.SourceID
			res.resp.Detections[i].Timestamp = payload.Timestamp
			if res.resp.Detections[i].PrimaryCategory == "" {
				res.resp.Detections[i].PrimaryCategory = primary(res.resp.Detections[i].CategoryScores)
			}
		}
		return res.resp.Detections, nil

	case <-ctx.Done():
		s.broken = ErrWorkerDesync
		return nil, ctx.Err()

	case <-timer.C:
		s.broken = ErrWorkerTimeout
		return nil, ErrWorkerTimeout
	}
}

func (s *Stream) roundTrip(req request) (response, error) {
	body, err := msgpack.Marshal(&req)
	if err != nil {
		return response{}, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	// Write with length-prefix framing (4 bytes big-endian + msgpack data)
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(body)))
	if _, err := s.w.Write(prefix); err != nil {
		return response{}, fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := s.w.Write(body); err != nil {
		return response{}, fmt.Errorf("failed to write msgpack data: %w", err)
	}

	if _, err := io.ReadFull(s.r, prefix); err != nil {
		return response{}, fmt.Errorf("failed to read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return response{}, fmt.Errorf("detect: response of %d bytes exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(s.r, data); err != nil {
		return response{}, fmt.Errorf("failed to read msgpack data: %w", err)
	}

	var resp response
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return response{}, fmt.Errorf("failed to unmarshal msgpack response: %w", err)
	}
	return resp, nil
}

// ProcessConfig configures an out-of-process detector
type ProcessConfig struct {
	Command []string      // Executable and arguments, e.g. ["python3", "detector.py"]
	Timeout time.Duration // Per-frame answer timeout (default: 5s)
}

// Process runs a detector worker as a child process speaking the Stream
// protocol on stdin/stdout. A broken stream respawns the worker on the
// next call.
type Process struct {
	cfg ProcessConfig

	mu     sync.Mutex
	ctx    context.Context
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stream *Stream
}

// NewProcess creates a process detector. Call Start before Detect.
func NewProcess(cfg ProcessConfig) *Process {
	return &Process{cfg: cfg}
}

// Start spawns the worker process. It is killed when ctx is cancelled.
func (p *Process) Start(ctx context.Context) error {
	if len(p.cfg.Command) == 0 {
		return fmt.Errorf("detect: worker command is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.ctx = ctx
	return p.spawnLocked()
}

func (p *Process) spawnLocked() error {
	cmd := exec.CommandContext(p.ctx, p.cfg.Command[0], p.cfg.Command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detector worker: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stream = NewStream(stdout, stdin, p.cfg.Timeout)

	go logStderr(stderr, cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		slog.Info("detect: worker process exited", "pid", cmd.Process.Pid, "error", err)
	}()

	slog.Info("detect: worker process started",
		"command", p.cfg.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Detect implements Detector
func (p *Process) Detect(ctx context.Context, payload types.Payload) ([]types.Detection, error) {
	p.mu.Lock()
	if p.ctx == nil {
		p.mu.Unlock()
		return nil, ErrWorkerNotStarted
	}
	if err := p.stream.Err(); err != nil {
		slog.Warn("detect: worker stream broken, respawning", "error", err)
		p.killLocked()
		if err := p.spawnLocked(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	stream := p.stream
	p.mu.Unlock()

	return stream.Detect(ctx, payload)
}

// Close stops the worker process
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.killLocked()
	p.ctx = nil
	return nil
}

func (p *Process) killLocked() {
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.cmd = nil
	p.stdin = nil
}

// logStderr forwards worker stderr lines to the structured log
func logStderr(r io.Reader, pid int) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Warn("detect: worker stderr", "pid", pid, "line", scanner.Text())
	}
}
