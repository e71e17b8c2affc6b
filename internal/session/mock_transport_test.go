package session

import (
	"bytes"
	"errors"
	"sync"
)

var errRejected = errors.New("write rejected")

// mockTransport records chunks and can reject the first failN sends.
type mockTransport struct {
	mu      sync.Mutex
	chunks  [][]byte
	calls   int
	failN   int
	failAll bool
	onSend  func(p []byte)
}

func (m *mockTransport) Send(p []byte) error {
	m.mu.Lock()
	m.calls++
	if m.failAll || m.calls <= m.failN {
		m.mu.Unlock()
		return errRejected
	}
	m.chunks = append(m.chunks, bytes.Clone(p))
	onSend := m.onSend
	m.mu.Unlock()
	if onSend != nil {
		onSend(p)
	}
	return nil
}

func (m *mockTransport) sent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Join(m.chunks, nil)
}

// kpacket frames a Kermit packet with a type-1 check. data is used as is.
func kpacket(seq int, typ byte, data string) []byte {
	body := []byte{byte(len(data) + 3 + 32), byte(seq%64 + 32), typ}
	body = append(body, data...)
	sum := 0
	for _, b := range body {
		sum += int(b)
	}
	check := byte((sum+(sum&0xC0)>>6)&63 + 32)
	out := append([]byte{0x01}, body...)
	return append(out, check, '\r')
}

// peer answers every data-carrying packet the session sends with an ACK
// for the same sequence number, and records each packet type it saw.
type peer struct {
	mu    sync.Mutex
	s     *Session
	buf   []byte
	types []byte
	// after is called with each packet type once it has been acknowledged.
	after func(typ byte)
}

func (p *peer) onSend(chunk []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, chunk...)
	var acked []byte
	for {
		i := bytes.IndexByte(p.buf, '\r')
		if i < 0 {
			break
		}
		pkt := p.buf[:i]
		p.buf = p.buf[i+1:]
		if len(pkt) < 4 || pkt[0] != 0x01 {
			continue
		}
		seq, typ := int(pkt[2])-32, pkt[3]
		p.types = append(p.types, typ)
		if typ == 'Y' || typ == 'N' || typ == 'E' {
			continue
		}
		p.s.Feed(kpacket(seq, 'Y', ""))
		acked = append(acked, typ)
	}
	after := p.after
	p.mu.Unlock()
	for _, typ := range acked {
		if after != nil {
			after(typ)
		}
	}
}

func (p *peer) seen() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.types)
}

// reports collects reports from the worker goroutine.
type reports struct {
	mu   sync.Mutex
	list []Report
}

func (r *reports) Report(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, rep)
}

func (r *reports) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.list...)
}
