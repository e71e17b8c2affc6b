package kermit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// txn is the state of one server transaction.
type txn struct {
	e   *Engine
	ctx context.Context
	buf []byte

	local params
	peer  params

	seq     int    // last sequence sent (sending) or accepted (receiving)
	last    []byte // last packet written, for retransmission
	nak     bool   // receiving: a timeout NAKs the expected packet
	started bool
	retries int
	resends int
}

func (e *Engine) newTxn(ctx context.Context) *txn {
	secs := int(e.opts.Timeout / time.Second)
	local := params{
		maxLen:  e.opts.MaxLen,
		timeout: secs,
		eol:     EOM,
		qctl:    defaultQuote,
		chkt:    '1',
	}
	peer := local
	peer.maxLen = maxShortLen
	return &txn{
		e:       e,
		ctx:     ctx,
		buf:     make([]byte, e.opts.PacketBufferSize()),
		local:   local,
		peer:    peer,
		retries: e.opts.Retries + 1,
	}
}

func (t *txn) readTimeout() time.Duration {
	return time.Duration(t.peer.timeout) * time.Second
}

// recv returns the next well-formed packet. Timeouts spend the retry
// budget, which is never refilled within a transaction; both timeouts and
// corrupt packets trigger a retransmission.
func (t *txn) recv() (packet, error) {
	for {
		if err := t.ctx.Err(); err != nil {
			return packet{}, err
		}
		n, err := t.e.link.ReadPacket(t.buf, t.readTimeout())
		if err != nil {
			return packet{}, fmt.Errorf("%w: %w", ErrConnReset, err)
		}
		if n == 0 {
			if t.retries == 0 {
				return packet{}, ErrTimeout
			}
			t.retries--
			slog.Debug("[FT] timeout", "retries_left", t.retries)
			if err := t.retransmit(); err != nil {
				return packet{}, err
			}
			continue
		}
		p, err := decodePacket(t.buf[:n])
		if err != nil {
			slog.Debug("[FT] dropped packet", "error", err)
			if err := t.retransmit(); err != nil {
				return packet{}, err
			}
			continue
		}
		return p, nil
	}
}

func (t *txn) retransmit() error {
	switch {
	case t.nak:
		return t.resend(encodePacket(t.seq+1, typeNak, nil))
	case t.last != nil:
		return t.resend(t.last)
	}
	return nil
}

func (t *txn) write(p []byte) error {
	if err := t.e.link.WriteData(p); err != nil {
		return fmt.Errorf("%w: %w", ErrConnReset, err)
	}
	return nil
}

func (t *txn) resend(p []byte) error {
	t.resends++
	return t.write(p)
}

func (t *txn) ack(data []byte) error {
	t.last = encodePacket(t.seq, typeAck, data)
	return t.write(t.last)
}

// abort tells the peer why the transaction is being dropped.
func (t *txn) abort(msg string) {
	pkt := encodePacket(t.seq, typeError, encodeData([]byte(msg), t.local.qctl))
	if err := t.write(pkt); err != nil {
		slog.Debug("[FT] error packet not sent", "error", err)
	}
}

// done stamps the resend count and, for a transaction the peer had already
// started, reports a timeout to the peer before giving up.
func (t *txn) done(res Result, err error) (Result, error) {
	res.Resends = t.resends
	if errors.Is(err, ErrTimeout) && t.started {
		t.abort("timeout")
	}
	return res, err
}

// exchange sends one packet and waits for its acknowledgement. A NAK for
// the following packet counts as an ACK.
func (t *txn) exchange(typ byte, data []byte) (packet, error) {
	t.nak = false
	t.last = encodePacket(t.seq, typ, data)
	if err := t.write(t.last); err != nil {
		return packet{}, err
	}
	for {
		p, err := t.recv()
		if err != nil {
			return packet{}, err
		}
		next := (t.seq + 1) % 64
		switch {
		case p.typ == typeAck && p.seq == t.seq:
			t.seq = next
			return p, nil
		case p.typ == typeNak && p.seq == next:
			t.seq = next
			return packet{seq: p.seq, typ: typeAck}, nil
		case p.typ == typeError:
			return packet{}, peerError(p, t.peer.qctl)
		case p.typ == typeNak:
			if err := t.resend(t.last); err != nil {
				return packet{}, err
			}
		}
	}
}

// next waits for the packet following the last accepted one. A repeat of
// the previous packet means our ACK was lost and is answered again.
func (t *txn) next() (packet, error) {
	t.nak = true
	for {
		p, err := t.recv()
		if err != nil {
			return packet{}, err
		}
		want := (t.seq + 1) % 64
		switch {
		case p.typ == typeError || p.seq == want:
			t.seq = p.seq
			return p, nil
		case p.seq == t.seq && t.last != nil:
			if err := t.resend(t.last); err != nil {
				return packet{}, err
			}
		default:
			if err := t.resend(encodePacket(want, typeNak, nil)); err != nil {
				return packet{}, err
			}
		}
	}
}

// receive handles a peer SEND: one or more files until end of batch.
func (t *txn) receive(init packet) (Result, error) {
	t.started = true
	res := Result{Type: TypeSend}
	t.peer = decodeParams(init.data, t.peer)
	if err := t.ack(t.local.encode()); err != nil {
		return t.done(res, err)
	}

	var w io.WriteCloser
	closeFile := func(keep bool) error {
		if w == nil {
			return nil
		}
		err := w.Close()
		w = nil
		if !keep {
			if rmErr := t.e.files.Remove(res.Arg); rmErr != nil {
				slog.Warn("[FT] remove incomplete file", "file", res.Arg, "error", rmErr)
			}
		}
		return err
	}
	fail := func(err error) (Result, error) {
		closeFile(t.e.opts.Keep)
		return t.done(res, err)
	}

	for {
		p, err := t.next()
		if err != nil {
			return fail(err)
		}
		data := decodeData(p.data, t.peer.qctl)
		switch p.typ {
		case typeFile:
			closeFile(t.e.opts.Keep)
			res.Arg = string(data)
			w, err = t.e.files.Create(res.Arg)
			if err != nil {
				t.abort("cannot create " + res.Arg)
				return t.done(res, fmt.Errorf("%w: create %s: %w", ErrIO, res.Arg, err))
			}
			slog.Info("[FT] receiving", "file", res.Arg)
		case typeAttr:
		case typeData:
			if w == nil {
				t.abort("data without file header")
				return fail(fmt.Errorf("%w: data before file header", ErrProtocol))
			}
			if _, err := w.Write(data); err != nil {
				t.abort("write failed")
				return fail(fmt.Errorf("%w: write %s: %w", ErrIO, res.Arg, err))
			}
		case typeEOF:
			discard := string(data) == "D"
			if err := closeFile(!discard || t.e.opts.Keep); err != nil {
				t.abort("close failed")
				return t.done(res, fmt.Errorf("%w: close %s: %w", ErrIO, res.Arg, err))
			}
		case typeEOT:
			closeFile(t.e.opts.Keep)
			if err := t.ack(nil); err != nil {
				return t.done(res, err)
			}
			return t.done(res, nil)
		case typeError:
			return fail(peerError(p, t.peer.qctl))
		default:
			t.abort(fmt.Sprintf("unexpected packet type %c", p.typ))
			return fail(fmt.Errorf("%w: unexpected %v while receiving", ErrProtocol, p))
		}
		if err := t.ack(nil); err != nil {
			return fail(err)
		}
	}
}

// get handles a peer GET by sending the named file back.
func (t *txn) get(req packet) (Result, error) {
	t.started = true
	name := string(decodeData(req.data, t.peer.qctl))
	res := Result{Type: TypeGet, Arg: name}

	if err := t.e.files.Access(name); err != nil {
		t.abort("file not found")
		return t.done(res, fmt.Errorf("%w: %s: %w", ErrAccess, name, err))
	}
	r, err := t.e.files.Open(name)
	if err != nil {
		t.abort("cannot open " + name)
		return t.done(res, fmt.Errorf("%w: %s: %w", ErrAccess, name, err))
	}
	defer r.Close()

	slog.Info("[FT] sending", "file", name)
	t.seq = 0
	return t.done(res, t.sendStream(typeFile, name, r))
}

// generic handles the G commands the server supports.
func (t *txn) generic(req packet) (Result, error) {
	cmd := decodeData(req.data, t.peer.qctl)
	if len(cmd) == 0 {
		t.abort("empty generic command")
		return t.done(Result{Type: TypeOther}, nil)
	}
	switch cmd[0] {
	case 'D':
		t.started = true
		listing, err := t.e.files.List()
		res := Result{Type: TypeDir, Arg: listing}
		if err != nil {
			t.abort("cannot list directory")
			return t.done(res, fmt.Errorf("%w: list: %w", ErrIO, err))
		}
		t.seq = 0
		return t.done(res, t.sendStream(typeText, "", strings.NewReader(listing)))
	case 'F', 'L':
		if err := t.ack(nil); err != nil {
			return t.done(Result{Type: TypeEnd}, err)
		}
		return t.done(Result{Type: TypeEnd}, nil)
	default:
		t.abort(fmt.Sprintf("unimplemented generic command %c", cmd[0]))
		return t.done(Result{Type: TypeOther}, nil)
	}
}

// sendStream runs a full send sequence: Send-Init, a header packet, data,
// end of file and end of batch. The peer may cancel the file by putting
// X or Z in a data ACK, in which case the EOF carries the discard flag.
func (t *txn) sendStream(header byte, name string, r io.Reader) error {
	ack, err := t.exchange(typeSendInit, t.local.encode())
	if err != nil {
		return err
	}
	t.peer = decodeParams(ack.data, t.peer)

	if _, err := t.exchange(header, encodeData([]byte(name), t.local.qctl)); err != nil {
		return err
	}

	room := t.peer.maxLen - packetOverhead
	src := bufio.NewReader(r)
	var pending []byte
	eof, cancelled := false, false
	for !cancelled {
		for !eof && len(pending) < room {
			b, err := src.ReadByte()
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				t.abort("read failed")
				return fmt.Errorf("%w: read %s: %w", ErrIO, name, err)
			}
			pending = append(pending, b)
		}
		if len(pending) == 0 {
			break
		}
		enc, used := fillData(pending, room, t.local.qctl)
		if used == 0 {
			t.abort("packet length too small")
			return fmt.Errorf("%w: no room for data in %d byte packets", ErrProtocol, t.peer.maxLen)
		}
		pending = pending[used:]
		ack, err := t.exchange(typeData, enc)
		if err != nil {
			return err
		}
		if len(ack.data) > 0 && (ack.data[0] == 'X' || ack.data[0] == 'Z') {
			cancelled = true
		}
	}

	var eofData []byte
	if cancelled {
		eofData = []byte("D")
	}
	if _, err := t.exchange(typeEOF, eofData); err != nil {
		return err
	}
	_, err = t.exchange(typeEOT, nil)
	return err
}
