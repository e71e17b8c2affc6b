// Package kermit implements a compact server-mode Kermit engine. The engine
// never touches the transport or the filesystem directly: packets move
// through a Link and files through a Files store, both supplied by the
// caller.
package kermit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrInvalidArgument is returned for a missing link or store.
	ErrInvalidArgument = errors.New("kermit: invalid argument")
	// ErrTimeout means the retry budget ran out waiting for the peer.
	ErrTimeout = errors.New("kermit: timeout")
	// ErrProtocol covers peer error packets and unexpected packets.
	ErrProtocol = errors.New("kermit: protocol error")
	// ErrIO is a local file failure during a transfer.
	ErrIO = errors.New("kermit: i/o error")
	// ErrConnReset means the link failed or was told to stop.
	ErrConnReset = errors.New("kermit: connection reset")
	// ErrAccess is returned when a requested file is not available, or when
	// a closed engine is used.
	ErrAccess = errors.New("kermit: access denied")
)

// TransactionType classifies what the peer asked for.
type TransactionType int

const (
	TypeOther TransactionType = iota
	TypeGet
	TypeSend
	TypeDir
	TypeEnd
)

func (t TransactionType) String() string {
	switch t {
	case TypeGet:
		return "get"
	case TypeSend:
		return "send"
	case TypeDir:
		return "dir"
	case TypeEnd:
		return "end"
	default:
		return "other"
	}
}

// Result describes one completed (or failed) server transaction.
type Result struct {
	Type TransactionType
	// Arg is the file name for get and send, and the listing for dir.
	Arg string
	// Resends counts retransmitted packets, NAKs included.
	Resends int
}

// Link carries packets to and from the peer.
type Link interface {
	// ReadPacket reads one packet body, without its framing markers, into p.
	// It returns 0 and a nil error if nothing arrived within timeout. Any
	// error is fatal for the session.
	ReadPacket(p []byte, timeout time.Duration) (int, error)
	// WriteData sends an encoded packet.
	WriteData(p []byte) error
}

// Files is the local store transfers read from and write to.
type Files interface {
	Access(name string) error
	Open(name string) (io.ReadCloser, error)
	Create(name string) (io.WriteCloser, error)
	Remove(name string) error
	// List returns the directory listing sent for a remote DIR command.
	List() (string, error)
}

// Options configures the engine. A zero or negative Timeout, Retries or
// MaxLen takes its default, so at least one retry is always allowed.
type Options struct {
	Timeout time.Duration // wait the peer is asked to use, and ours until it says otherwise
	Retries int           // timeouts tolerated per transaction
	MaxLen  int           // longest packet accepted, 10 to 94
	Keep    bool          // keep partially received files
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Second,
		Retries: 10,
		MaxLen:  maxShortLen,
	}
}

// Engine serves Kermit transactions over a Link.
type Engine struct {
	link   Link
	files  Files
	opts   Options
	closed bool
}

// Normalized fills zero fields with defaults and clamps MaxLen.
func (o Options) Normalized() Options {
	def := DefaultOptions()
	if o.Timeout < time.Second {
		o.Timeout = def.Timeout
	}
	if o.Retries <= 0 {
		o.Retries = def.Retries
	}
	if o.MaxLen <= 0 {
		o.MaxLen = def.MaxLen
	}
	o.MaxLen = min(max(o.MaxLen, minMaxLen), maxShortLen)
	return o
}

// New creates an engine. Zero option fields take their defaults.
func New(link Link, files Files, opts Options) (*Engine, error) {
	if link == nil || files == nil {
		return nil, ErrInvalidArgument
	}
	return &Engine{link: link, files: files, opts: opts.Normalized()}, nil
}

// Close releases the engine. Serve fails with ErrAccess afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return ErrAccess
	}
	e.closed = true
	return nil
}

// PacketBufferSize is the largest packet body ReadPacket will be asked for:
// the LEN field plus up to MaxLen bytes it counts.
func (o Options) PacketBufferSize() int {
	return o.Normalized().MaxLen + 1
}

// Serve waits for one request from the peer and carries it out. The
// returned Result is meaningful even when err is not nil.
func (e *Engine) Serve(ctx context.Context) (Result, error) {
	if e.closed {
		return Result{}, ErrAccess
	}
	t := e.newTxn(ctx)
	for {
		p, err := t.recv()
		if err != nil {
			return t.done(Result{}, err)
		}
		t.seq = p.seq
		switch p.typ {
		case typeInit:
			t.peer = decodeParams(p.data, t.peer)
			if err := t.ack(t.local.encode()); err != nil {
				return t.done(Result{}, err)
			}
			t.last = nil
		case typeSendInit:
			return t.receive(p)
		case typeGet:
			return t.get(p)
		case typeGeneric:
			return t.generic(p)
		case typeError:
			return t.done(Result{}, peerError(p, t.peer.qctl))
		case typeAck, typeNak:
			// left over from an earlier transaction
		default:
			t.abort(fmt.Sprintf("unimplemented packet type %c", p.typ))
			return t.done(Result{Type: TypeOther}, nil)
		}
	}
}

func peerError(p packet, qctl byte) error {
	return fmt.Errorf("%w: peer: %s", ErrProtocol, decodeData(p.data, qctl))
}
