// Package session runs file transfers over an established BLE link. Inbound
// GATT writes are fed into a receive ring by the event loop; a worker
// goroutine pulls packets out of it, drives the Kermit engine, and sends
// replies back in small chunks through a Transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/ble-kermit/internal/fifo"
	"github.com/chaz8081/ble-kermit/internal/frame"
	"github.com/chaz8081/ble-kermit/internal/kermit"
)

var (
	// ErrTransport means a chunk could not be delivered after all retries.
	ErrTransport = errors.New("session: transport write failed")
	// ErrClosed is returned once the session has been stopped.
	ErrClosed = errors.New("session: closed")
	// ErrRunning is returned by Start while a worker is active.
	ErrRunning = errors.New("session: already running")
	// ErrFinished is returned by Feed once the worker has exited. The
	// caller joins it and starts a new one for the data.
	ErrFinished = errors.New("session: worker finished")
)

// Transport delivers one chunk to the peer without waiting for a response.
type Transport interface {
	Send(p []byte) error
}

// Options configures a Session.
type Options struct {
	Root         string        // directory transfers read from and write to
	RxSize       int           // receive ring capacity
	TxSize       int           // transmit ring capacity
	ChunkSize    int           // largest single transport write
	ChunkDelay   time.Duration // pause after every chunk
	ChunkRetries int           // extra attempts for a rejected chunk, at least one
	EmptyBackoff time.Duration // pause when the receive ring is empty
	CoarseWait   time.Duration
	FineWait     time.Duration
	Parity       bool
	StopAfterGet bool // end the worker after a completed get
	DirMax       int  // cap on listed directory entries
	Engine       kermit.Options
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Root:         "img/",
		RxSize:       4096,
		TxSize:       4096,
		ChunkSize:    20,
		ChunkDelay:   1500 * time.Microsecond,
		ChunkRetries: 3,
		EmptyBackoff: 250 * time.Microsecond,
		CoarseWait:   10 * time.Millisecond,
		FineWait:     time.Millisecond,
		StopAfterGet: true,
		DirMax:       1024,
		Engine:       kermit.DefaultOptions(),
	}
}

// Session owns the rings and the worker for one BLE link.
type Session struct {
	tr       Transport
	reporter Reporter
	opts     Options

	rx, tx *fifo.Ring
	reader *frame.Reader
	wake   chan struct{}
	closed atomic.Bool

	feedMu   sync.Mutex
	finished bool

	mu     sync.Mutex
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// New creates a session. rep may be nil. Zero or negative sizes, delays and
// retry counts take their defaults.
func New(tr Transport, rep Reporter, opts Options) (*Session, error) {
	if tr == nil {
		return nil, fmt.Errorf("session: nil transport: %w", kermit.ErrInvalidArgument)
	}
	def := DefaultOptions()
	if opts.Root == "" {
		opts.Root = def.Root
	}
	if opts.RxSize <= 0 {
		opts.RxSize = def.RxSize
	}
	if opts.TxSize <= 0 {
		opts.TxSize = def.TxSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = def.ChunkDelay
	}
	if opts.ChunkRetries <= 0 {
		opts.ChunkRetries = def.ChunkRetries
	}
	if opts.EmptyBackoff <= 0 {
		opts.EmptyBackoff = def.EmptyBackoff
	}
	if opts.DirMax <= 0 {
		opts.DirMax = def.DirMax
	}
	opts.Engine = opts.Engine.Normalized()

	rx, err := fifo.New(opts.RxSize)
	if err != nil {
		return nil, fmt.Errorf("session: rx ring: %w", err)
	}
	tx, err := fifo.New(opts.TxSize)
	if err != nil {
		return nil, fmt.Errorf("session: tx ring: %w", err)
	}
	s := &Session{
		tr:       tr,
		reporter: rep,
		opts:     opts,
		rx:       rx,
		tx:       tx,
		wake:     make(chan struct{}, 1),
	}
	s.reader = frame.NewReader(port{s}, frame.Config{
		Start:      frame.DefaultConfig().Start,
		End:        kermit.EOM,
		MaxLen:     opts.Engine.PacketBufferSize(),
		Parity:     opts.Parity,
		CoarseWait: opts.CoarseWait,
		FineWait:   opts.FineWait,
	})
	return s, nil
}

// Feed queues inbound link data for the worker and returns how much was
// accepted. Bytes that do not fit are dropped. Once the worker has exited,
// Feed queues nothing and returns ErrFinished.
func (s *Session) Feed(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.finished {
		return 0, ErrFinished
	}
	n, err := s.rx.Write(p)
	if err != nil || n < len(p) {
		slog.Warn("[FT] receive ring full, dropping data", "dropped", len(p)-n)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// Start flushes both rings and launches the transfer worker.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrRunning
		}
	}
	s.rx.Flush()
	s.tx.Flush()
	s.closed.Store(false)
	s.setFinished(false)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.done, s.cancel, s.err = done, cancel, nil
	go func() {
		defer close(done)
		defer cancel()
		err := s.Run(ctx)
		s.setFinished(true)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	slog.Info("[FT] transfer worker started")
	return nil
}

// Running reports whether a worker is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Done is closed when the current worker exits. It is nil before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop makes the worker fail its next read so it can be joined.
func (s *Session) Stop() {
	s.closed.Store(true)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the worker exits and returns its error.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run serves transactions until one fails, the peer ends the session, or a
// get completes with StopAfterGet set. Start runs it on its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	eng, err := kermit.New(link{s}, NewFiles(s.opts.Root, s.opts.DirMax), s.opts.Engine)
	if err != nil {
		return fmt.Errorf("session: engine: %w", err)
	}
	defer eng.Close()

	for {
		started := time.Now()
		res, err := eng.Serve(ctx)
		rep := Report{
			Type:     res.Type,
			Arg:      res.Arg,
			Resends:  res.Resends,
			Err:      err,
			Started:  started,
			Finished: time.Now(),
		}
		s.report(rep)

		if err != nil {
			cat := Classify(err)
			slog.Error("[FT] transfer failed", "code", cat.Code, "category", cat.Name, "error", err)
			return err
		}
		slog.Info("[FT] transaction done", "type", res.Type, "arg", summarize(res), "resends", res.Resends)
		switch {
		case res.Type == kermit.TypeEnd:
			if s.endIfIdle() {
				return nil
			}
			slog.Debug("[FT] request queued after end, still serving")
		case res.Type == kermit.TypeGet && s.opts.StopAfterGet:
			return nil
		}
	}
}

func (s *Session) setFinished(v bool) {
	s.feedMu.Lock()
	s.finished = v
	s.feedMu.Unlock()
}

// endIfIdle marks the worker finished unless the peer has already queued
// its next packet. Bytes ahead of the start marker are discarded.
func (s *Session) endIfIdle() bool {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	start := frame.DefaultConfig().Start
	for {
		b, err := s.rx.Peek()
		if err != nil {
			s.finished = true
			return true
		}
		if b == start || (s.opts.Parity && b&0x7f == start) {
			return false
		}
		s.rx.Get()
	}
}

func (s *Session) report(r Report) {
	if s.reporter == nil {
		return
	}
	s.reporter.Report(r)
}

// summarize keeps listings out of the log.
func summarize(res kermit.Result) string {
	if res.Type == kermit.TypeDir {
		return fmt.Sprintf("%d bytes of listing", len(res.Arg))
	}
	return res.Arg
}

// port is the frame.Source over the receive ring.
type port struct{ s *Session }

func (p port) ReceiveByte() (byte, error) {
	if p.s.closed.Load() {
		return 0, ErrClosed
	}
	b, err := p.s.rx.Get()
	if err == nil {
		return b, nil
	}
	time.Sleep(p.s.opts.EmptyBackoff)
	return 0, frame.ErrNoData
}

// Wait returns early on inbound data or Stop.
func (p port) Wait(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.s.wake:
	}
}

// SendBytes queues p on the transmit ring and drains it to the transport.
func (s *Session) SendBytes(p []byte) error {
	for len(p) > 0 {
		if s.closed.Load() {
			return ErrClosed
		}
		n, err := s.tx.Write(p)
		if err != nil && !errors.Is(err, fifo.ErrFull) {
			return fmt.Errorf("session: queue: %w", err)
		}
		p = p[n:]
		if err := s.drain(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) drain() error {
	chunk := make([]byte, s.opts.ChunkSize)
	for s.tx.Len() > 0 {
		n, err := s.tx.Read(chunk)
		if err != nil {
			return fmt.Errorf("session: dequeue: %w", err)
		}
		if err := s.sendChunk(chunk[:n]); err != nil {
			return err
		}
		time.Sleep(s.opts.ChunkDelay)
	}
	return nil
}

// sendChunk tries a chunk once plus ChunkRetries more times.
func (s *Session) sendChunk(p []byte) error {
	var err error
	for attempt := 1; attempt <= s.opts.ChunkRetries+1; attempt++ {
		if err = s.tr.Send(p); err == nil {
			return nil
		}
		slog.Warn("[FT] chunk rejected", "attempt", attempt, "size", len(p), "error", err)
	}
	return fmt.Errorf("%w: %d bytes after %d attempts: %w", ErrTransport, len(p), s.opts.ChunkRetries+1, err)
}

// link adapts the session to the engine's packet interface.
type link struct{ s *Session }

// ReadPacket gives every byte 1.2 times the packet timeout.
func (l link) ReadPacket(p []byte, timeout time.Duration) (int, error) {
	n, err := l.s.reader.ReadPacket(p, timeout*6/5)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, frame.ErrTimeout):
		return 0, nil
	case errors.Is(err, frame.ErrTooLong):
		slog.Debug("[FT] oversized packet truncated", "len", n)
		return n, nil
	default:
		return 0, err
	}
}

func (l link) WriteData(p []byte) error { return l.s.SendBytes(p) }
