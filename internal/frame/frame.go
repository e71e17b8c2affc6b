// Package frame turns the byte stream arriving from the BLE link into
// protocol packets. Bytes are pulled one at a time from a Source, which
// never blocks; the Reader paces its polling through Source.Wait and gives
// up on a byte once its wait budget is spent.
package frame

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoData is returned by a Source when no byte is pending yet.
	ErrNoData = errors.New("frame: no data")
	// ErrAborted ends the session: the abort command was received or the
	// source failed with something other than ErrNoData.
	ErrAborted = errors.New("frame: aborted")
	// ErrTimeout means no byte arrived within the wait budget.
	ErrTimeout = errors.New("frame: timeout")
	// ErrTooLong is returned with a truncated but usable packet length.
	ErrTooLong = errors.New("frame: packet too long")
)

// AbortSequence received on the link forces the session to end.
const AbortSequence = "CMD\r\n"

// Source is the capability the Reader needs from the transport.
type Source interface {
	// ReceiveByte returns the next pending byte, ErrNoData if there is none,
	// or any other error if the transport has failed.
	ReceiveByte() (byte, error)
	// Wait blocks for at most d. It may return early when data arrives.
	Wait(d time.Duration)
}

// Config controls framing.
type Config struct {
	Start      byte          // start-of-packet marker (SOH)
	End        byte          // end-of-packet marker
	MaxLen     int           // maximum packet length between the markers
	Parity     bool          // strip the 8th bit before matching markers
	CoarseWait time.Duration // poll interval while the budget allows it
	FineWait   time.Duration // poll interval near the end of the budget
}

// DefaultConfig returns the framing used by the transfer engine.
func DefaultConfig() Config {
	return Config{
		Start:      0x01,
		End:        '\r',
		MaxLen:     94,
		CoarseWait: 10 * time.Millisecond,
		FineWait:   time.Millisecond,
	}
}

// Reader assembles packets from a Source. It is not safe for concurrent use.
type Reader struct {
	src Source
	cfg Config

	window [len(AbortSequence)]byte
	seen   int
}

// NewReader creates a Reader. Zero fields in cfg take their defaults.
func NewReader(src Source, cfg Config) *Reader {
	def := DefaultConfig()
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = def.MaxLen
	}
	if cfg.CoarseWait <= 0 {
		cfg.CoarseWait = def.CoarseWait
	}
	if cfg.FineWait <= 0 {
		cfg.FineWait = def.FineWait
	}
	if cfg.FineWait > cfg.CoarseWait {
		cfg.FineWait = cfg.CoarseWait
	}
	if cfg.Start == 0 && cfg.End == 0 {
		cfg.Start, cfg.End = def.Start, def.End
	}
	return &Reader{src: src, cfg: cfg}
}

// ReadPacket reads one packet into p and returns its length, markers
// excluded. Bytes before the start marker are discarded. budget bounds the
// wait for each individual byte.
//
// On ErrTooLong the returned length is still valid: p holds the first
// MaxLen bytes of the oversized packet. ErrTimeout and ErrAborted return 0.
func (r *Reader) ReadPacket(p []byte, budget time.Duration) (int, error) {
	limit := min(r.cfg.MaxLen, len(p))
	r.seen = 0
	started := false
	n := 0

	for {
		b, err := r.next(budget)
		if err != nil {
			return 0, err
		}
		if r.push(b) {
			return 0, fmt.Errorf("%w: abort sequence received", ErrAborted)
		}

		c := b
		if r.cfg.Parity {
			c &= 0x7f
		}
		switch {
		case c == r.cfg.Start:
			started = true
		case !started:
		case c == r.cfg.End:
			return n, nil
		case n >= limit:
			return n, ErrTooLong
		default:
			p[n] = b
			n++
		}
	}
}

// next pulls one byte, waiting in coarse steps while the budget allows and
// fine steps after that.
func (r *Reader) next(budget time.Duration) (byte, error) {
	remaining := budget
	for {
		b, err := r.src.ReceiveByte()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNoData) {
			return 0, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		if remaining <= 0 {
			return 0, ErrTimeout
		}
		step := r.cfg.FineWait
		if remaining >= r.cfg.CoarseWait {
			step = r.cfg.CoarseWait
		}
		remaining -= step
		r.src.Wait(step)
	}
}

// push slides b into the abort window and reports a match.
func (r *Reader) push(b byte) bool {
	copy(r.window[:], r.window[1:])
	r.window[len(r.window)-1] = b
	if r.seen < len(r.window) {
		r.seen++
	}
	return r.seen == len(r.window) && string(r.window[:]) == AbortSequence
}
