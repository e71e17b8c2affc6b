package frame

import (
	"errors"
	"testing"
	"time"
)

// scriptSource replays a byte script. A -1 entry means "no data" for one poll.
type scriptSource struct {
	script []int
	pos    int
	fail   error
	waits  []time.Duration
}

func (s *scriptSource) ReceiveByte() (byte, error) {
	if s.pos >= len(s.script) {
		if s.fail != nil {
			return 0, s.fail
		}
		return 0, ErrNoData
	}
	v := s.script[s.pos]
	s.pos++
	if v < 0 {
		return 0, ErrNoData
	}
	return byte(v), nil
}

func (s *scriptSource) Wait(d time.Duration) {
	s.waits = append(s.waits, d)
}

func (s *scriptSource) waited() time.Duration {
	var total time.Duration
	for _, w := range s.waits {
		total += w
	}
	return total
}

func bytesOf(str string) []int {
	out := make([]int, len(str))
	for i := 0; i < len(str); i++ {
		out[i] = int(str[i])
	}
	return out
}

func TestReadPacketComplete(t *testing.T) {
	src := &scriptSource{script: []int{0x01, 'A', 'B', '\r'}}
	r := NewReader(src, DefaultConfig())

	buf := make([]byte, 100)
	n, err := r.ReadPacket(buf, time.Second)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if string(buf[:n]) != "AB" {
		t.Errorf("ReadPacket() = %q, want %q", buf[:n], "AB")
	}
	if len(src.waits) != 0 {
		t.Errorf("waits = %v, want none when data is ready", src.waits)
	}
}

func TestReadPacketDiscardsNoise(t *testing.T) {
	src := &scriptSource{script: append(bytesOf("xyz"), 0x01, 'h', 'i', '\r')}
	r := NewReader(src, DefaultConfig())

	buf := make([]byte, 100)
	n, err := r.ReadPacket(buf, time.Second)
	if err != nil || string(buf[:n]) != "hi" {
		t.Errorf("ReadPacket() = %q, %v, want %q, nil", buf[:n], err, "hi")
	}
}

func TestReadPacketRestartsOnSecondStart(t *testing.T) {
	src := &scriptSource{script: []int{0x01, 'a', 0x01, 'b', '\r'}}
	r := NewReader(src, DefaultConfig())

	buf := make([]byte, 100)
	n, err := r.ReadPacket(buf, time.Second)
	if err != nil || string(buf[:n]) != "ab" {
		t.Errorf("ReadPacket() = %q, %v, want %q, nil", buf[:n], err, "ab")
	}
}

func TestReadPacketAbort(t *testing.T) {
	tests := []struct {
		name   string
		script []int
	}{
		{"before start", append(bytesOf(AbortSequence), 0x01, 'A', '\r')},
		{"after noise", append(bytesOf("zz"+AbortSequence), 0x01, 'A', '\r')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(&scriptSource{script: tt.script}, DefaultConfig())
			n, err := r.ReadPacket(make([]byte, 100), time.Second)
			if !errors.Is(err, ErrAborted) {
				t.Errorf("ReadPacket() error = %v, want ErrAborted", err)
			}
			if n != 0 {
				t.Errorf("ReadPacket() n = %d, want 0", n)
			}
		})
	}
}

func TestReadPacketAbortWindowResetsPerCall(t *testing.T) {
	src := &scriptSource{script: append([]int{0x01, 'C', 'M', 'D', '\r'}, append(bytesOf("\n"), 0x01, 'o', 'k', '\r')...)}
	r := NewReader(src, DefaultConfig())
	buf := make([]byte, 100)

	n, err := r.ReadPacket(buf, time.Second)
	if err != nil || string(buf[:n]) != "CMD" {
		t.Fatalf("first ReadPacket() = %q, %v, want %q, nil", buf[:n], err, "CMD")
	}
	n, err = r.ReadPacket(buf, time.Second)
	if err != nil || string(buf[:n]) != "ok" {
		t.Errorf("second ReadPacket() = %q, %v, want %q, nil", buf[:n], err, "ok")
	}
}

func TestReadPacketTimeout(t *testing.T) {
	src := &scriptSource{}
	r := NewReader(src, DefaultConfig())

	n, err := r.ReadPacket(make([]byte, 10), 25*time.Millisecond)
	if !errors.Is(err, ErrTimeout) || n != 0 {
		t.Fatalf("ReadPacket() = %d, %v, want 0, ErrTimeout", n, err)
	}
	want := []time.Duration{
		10 * time.Millisecond, 10 * time.Millisecond,
		time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond,
	}
	if len(src.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", src.waits, want)
	}
	for i := range want {
		if src.waits[i] != want[i] {
			t.Errorf("waits[%d] = %v, want %v", i, src.waits[i], want[i])
		}
	}
}

func TestReadPacketBudgetIsPerByte(t *testing.T) {
	// Each byte arrives after two empty polls; the budget only covers three.
	script := []int{-1, -1, 0x01, -1, -1, 'Q', -1, -1, '\r'}
	src := &scriptSource{script: script}
	r := NewReader(src, Config{Start: 0x01, End: '\r', CoarseWait: time.Millisecond, FineWait: time.Millisecond})

	buf := make([]byte, 10)
	n, err := r.ReadPacket(buf, 3*time.Millisecond)
	if err != nil || string(buf[:n]) != "Q" {
		t.Fatalf("ReadPacket() = %q, %v, want %q, nil", buf[:n], err, "Q")
	}
	if got := src.waited(); got != 6*time.Millisecond {
		t.Errorf("total wait = %v, want 6ms", got)
	}
}

func TestReadPacketTooLong(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLen = 4
	src := &scriptSource{script: append([]int{0x01}, bytesOf("abcdefg\r")...)}
	r := NewReader(src, cfg)

	buf := make([]byte, 100)
	n, err := r.ReadPacket(buf, time.Second)
	if !errors.Is(err, ErrTooLong) {
		t.Fatalf("ReadPacket() error = %v, want ErrTooLong", err)
	}
	if n != 4 || string(buf[:n]) != "abcd" {
		t.Errorf("ReadPacket() = %d %q, want 4 %q", n, buf[:n], "abcd")
	}
}

func TestReadPacketParity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parity = true
	src := &scriptSource{script: []int{0x81, 'A', 0x8d}}
	r := NewReader(src, cfg)

	buf := make([]byte, 10)
	n, err := r.ReadPacket(buf, time.Second)
	if err != nil || string(buf[:n]) != "A" {
		t.Errorf("ReadPacket() = %q, %v, want %q, nil", buf[:n], err, "A")
	}

	// Without parity stripping the high-bit markers are ordinary noise.
	src = &scriptSource{script: []int{0x81, 'A', 0x8d}}
	r = NewReader(src, DefaultConfig())
	if _, err := r.ReadPacket(buf, time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("ReadPacket() without parity error = %v, want ErrTimeout", err)
	}
}

func TestReadPacketSourceFailure(t *testing.T) {
	boom := errors.New("link lost")
	src := &scriptSource{script: []int{0x01, 'A'}, fail: boom}
	r := NewReader(src, DefaultConfig())

	_, err := r.ReadPacket(make([]byte, 10), time.Second)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, boom) {
		t.Errorf("ReadPacket() error = %v, want ErrAborted wrapping %v", err, boom)
	}
}
