package kermit

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"testing"
	"time"
)

// fakePeer plays the remote side. Packets the engine writes are decoded and
// handed to respond, which usually queues the peer's reply.
type fakePeer struct {
	t        *testing.T
	inbox    [][]byte
	sent     []packet
	reads    int
	failRead error
	respond  func(p packet)
}

func newFakePeer(t *testing.T) *fakePeer {
	return &fakePeer{t: t}
}

// queue adds a packet whose data is used as is.
func (f *fakePeer) queue(seq int, typ byte, data []byte) {
	full := encodePacket(seq, typ, data)
	f.inbox = append(f.inbox, full[1:len(full)-1])
}

// queueText adds a packet whose data is control-prefixed first.
func (f *fakePeer) queueText(seq int, typ byte, text string) {
	f.queue(seq, typ, encodeData([]byte(text), defaultQuote))
}

func (f *fakePeer) ReadPacket(p []byte, _ time.Duration) (int, error) {
	f.reads++
	if f.failRead != nil {
		return 0, f.failRead
	}
	if len(f.inbox) == 0 {
		return 0, nil
	}
	b := f.inbox[0]
	f.inbox = f.inbox[1:]
	return copy(p, b), nil
}

func (f *fakePeer) WriteData(p []byte) error {
	if len(p) < 6 || p[0] != MARK || p[len(p)-1] != EOM {
		f.t.Fatalf("WriteData(%q): not a framed packet", p)
	}
	pkt, err := decodePacket(p[1 : len(p)-1])
	if err != nil {
		f.t.Fatalf("WriteData(%q): %v", p, err)
	}
	pkt.data = bytes.Clone(pkt.data)
	f.sent = append(f.sent, pkt)
	if f.respond != nil {
		f.respond(pkt)
	}
	return nil
}

// types returns the packet types the engine sent, in order.
func (f *fakePeer) types() string {
	var b []byte
	for _, p := range f.sent {
		b = append(b, p.typ)
	}
	return string(b)
}

// text removes control prefixes from a sent packet's data.
func text(p packet) string {
	return string(decodeData(p.data, defaultQuote))
}

func (f *fakePeer) lastSent() packet {
	if len(f.sent) == 0 {
		f.t.Fatal("no packets sent")
	}
	return f.sent[len(f.sent)-1]
}

// peerParams is a typical Send-Init from the remote side.
func peerParams() []byte {
	return params{maxLen: 94, timeout: 5, eol: EOM, qctl: defaultQuote, chkt: '1'}.encode()
}

// memFiles is an in-memory Files store.
type memFiles struct {
	files   map[string][]byte
	removed []string
	listing string
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string][]byte)}
}

func (m *memFiles) Access(name string) error {
	if _, ok := m.files[name]; !ok {
		return os.ErrNotExist
	}
	return nil
}

func (m *memFiles) Open(name string) (io.ReadCloser, error) {
	data, ok := m.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memFiles) Create(name string) (io.WriteCloser, error) {
	if name == "" {
		return nil, fmt.Errorf("empty name")
	}
	m.files[name] = nil
	return &memWriter{m: m, name: name}, nil
}

func (m *memFiles) Remove(name string) error {
	delete(m.files, name)
	m.removed = append(m.removed, name)
	return nil
}

func (m *memFiles) List() (string, error) {
	if m.listing != "" {
		return m.listing, nil
	}
	names := make([]string, 0, len(m.files))
	for n := range m.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprint(names), nil
}

type memWriter struct {
	m    *memFiles
	name string
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.m.files[w.name] = append(w.m.files[w.name], p...)
	return len(p), nil
}

func (w *memWriter) Close() error { return nil }
