package stream

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func frameOf(body ...byte) []byte {
	f := append([]byte{}, jpegSOI...)
	f = append(f, body...)
	return append(f, jpegEOI...)
}

func TestScannerFeed(t *testing.T) {
	tests := []struct {
		name     string
		chunks   [][]byte
		want     [][]byte
		buffered int
	}{
		{
			name:   "single frame in one chunk",
			chunks: [][]byte{frameOf(1, 2, 3)},
			want:   [][]byte{frameOf(1, 2, 3)},
		},
		{
			name:     "garbage without start keeps last byte",
			chunks:   [][]byte{{1, 2, 3, 0xff}},
			want:     nil,
			buffered: 1,
		},
		{
			name:   "start marker split across chunks",
			chunks: [][]byte{{9, 9, 0xff}, {0xd8, 7, 0xff, 0xd9}},
			want:   [][]byte{frameOf(7)},
		},
		{
			name:     "start without end waits",
			chunks:   [][]byte{{5, 5, 0xff, 0xd8, 1, 2}},
			want:     nil,
			buffered: 4,
		},
		{
			name:   "two frames with junk between",
			chunks: [][]byte{append(append(frameOf(1), 0, 0, 0), frameOf(2)...)},
			want:   [][]byte{frameOf(1), frameOf(2)},
		},
		{
			name:   "end search starts after start marker",
			chunks: [][]byte{{0xff, 0xd8, 0xd9, 0xff, 0xd9}},
			want:   [][]byte{{0xff, 0xd8, 0xd9, 0xff, 0xd9}},
		},
		{
			name:   "end marker before start is ignored",
			chunks: [][]byte{{0xff, 0xd9, 0xff, 0xd8, 4, 0xff, 0xd9}},
			want:   [][]byte{frameOf(4)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScanner(0)
			var got [][]byte
			for _, c := range tt.chunks {
				frames, err := s.Feed(c)
				if err != nil {
					t.Fatalf("Feed() error = %v", err)
				}
				got = append(got, frames...)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Feed() produced %d frames, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("frame %d = %x, want %x", i, got[i], tt.want[i])
				}
			}
			if s.Buffered() != tt.buffered {
				t.Errorf("Buffered() = %d, want %d", s.Buffered(), tt.buffered)
			}
		})
	}
}

// Frames are recovered exactly regardless of how the stream is chunked
func TestScannerChunkingInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	var stream []byte
	var want [][]byte
	for i := 0; i < 50; i++ {
		// junk that never contains a start marker
		junk := make([]byte, rng.Intn(20))
		for j := range junk {
			junk[j] = byte(rng.Intn(0xfe))
		}
		stream = append(stream, junk...)

		body := make([]byte, 1+rng.Intn(200))
		for j := range body {
			body[j] = byte(rng.Intn(0xfe))
		}
		f := frameOf(body...)
		want = append(want, f)
		stream = append(stream, f...)
	}

	for trial := 0; trial < 20; trial++ {
		s := NewScanner(0)
		var got [][]byte
		for off := 0; off < len(stream); {
			n := 1 + rng.Intn(64)
			if off+n > len(stream) {
				n = len(stream) - off
			}
			frames, err := s.Feed(stream[off : off+n])
			if err != nil {
				t.Fatalf("Feed() error = %v", err)
			}
			got = append(got, frames...)
			off += n
		}
		if len(got) != len(want) {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("trial %d: frame %d mismatch", trial, i)
			}
		}
	}
}

func TestScannerOverflow(t *testing.T) {
	s := NewScanner(16)

	frames, err := s.Feed(append([]byte{0xff, 0xd8}, make([]byte, 10)...))
	if err != nil || len(frames) != 0 {
		t.Fatalf("Feed() = %d frames, %v; want 0, nil", len(frames), err)
	}

	_, err = s.Feed(make([]byte, 10))
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("Feed() error = %v, want ErrBufferOverflow", err)
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered() after overflow = %d, want 0", s.Buffered())
	}

	// The scanner keeps working after an overflow
	frames, err = s.Feed(frameOf(1))
	if err != nil || len(frames) != 1 {
		t.Errorf("Feed() after overflow = %d frames, %v; want 1, nil", len(frames), err)
	}
}
