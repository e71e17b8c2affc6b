package kermit

import (
	"errors"
	"fmt"
)

// Framing bytes.
const (
	MARK = 0x01 // start of packet
	EOM  = '\r' // end of packet
)

// Packet types.
const (
	typeData     = 'D'
	typeAck      = 'Y'
	typeNak      = 'N'
	typeSendInit = 'S'
	typeInit     = 'I'
	typeFile     = 'F'
	typeAttr     = 'A'
	typeEOF      = 'Z'
	typeEOT      = 'B'
	typeError    = 'E'
	typeGet      = 'R'
	typeGeneric  = 'G'
	typeText     = 'X'
)

const (
	minMaxLen      = 10
	maxShortLen    = 94 // largest LEN field of a short packet
	defaultQuote   = '#'
	packetOverhead = 3 // SEQ, TYPE and CHECK inside LEN
)

var errBadPacket = errors.New("kermit: bad packet")

func tochar(x int) byte { return byte(x + 32) }
func unchar(c byte) int { return int(c) - 32 }
func ctl(c byte) byte   { return c ^ 64 }

// check1 is the single-character arithmetic checksum over LEN through DATA.
func check1(p []byte) byte {
	s := 0
	for _, b := range p {
		s += int(b)
	}
	return tochar((s + (s&0xC0)>>6) & 0x3F)
}

type packet struct {
	seq  int
	typ  byte
	data []byte
}

func (p packet) String() string {
	return fmt.Sprintf("%c#%d(%d)", p.typ, p.seq, len(p.data))
}

// encodePacket builds a complete framed packet. data must already be
// control-prefixed.
func encodePacket(seq int, typ byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+6)
	out = append(out, MARK, tochar(len(data)+packetOverhead), tochar(seq%64), typ)
	out = append(out, data...)
	out = append(out, check1(out[1:]), EOM)
	return out
}

// decodePacket parses a packet body as delivered by the link: LEN, SEQ,
// TYPE, DATA and CHECK with the markers removed.
func decodePacket(body []byte) (packet, error) {
	if len(body) < 4 {
		return packet{}, fmt.Errorf("%w: %d bytes", errBadPacket, len(body))
	}
	if n := unchar(body[0]); n != len(body)-1 {
		return packet{}, fmt.Errorf("%w: length field %d, got %d", errBadPacket, n, len(body)-1)
	}
	last := len(body) - 1
	if want := check1(body[:last]); body[last] != want {
		return packet{}, fmt.Errorf("%w: check %q, want %q", errBadPacket, body[last], want)
	}
	seq := unchar(body[1])
	if seq < 0 || seq > 63 {
		return packet{}, fmt.Errorf("%w: sequence %d", errBadPacket, seq)
	}
	return packet{
		seq:  seq,
		typ:  body[2],
		data: body[3:last],
	}, nil
}

// quote appends the control-prefixed form of b to dst.
func quote(dst []byte, b, qctl byte) []byte {
	a := b & 0x7f
	switch {
	case a < 32 || a == 127:
		return append(dst, qctl, ctl(b))
	case a == qctl:
		return append(dst, qctl, b)
	default:
		return append(dst, b)
	}
}

// encodeData control-prefixes src.
func encodeData(src []byte, qctl byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/4)
	for _, b := range src {
		out = quote(out, b, qctl)
	}
	return out
}

// fillData prefixes as much of src as fits in room bytes without splitting
// a prefix pair. It returns the encoded bytes and the count of src consumed.
func fillData(src []byte, room int, qctl byte) ([]byte, int) {
	out := make([]byte, 0, room)
	var tmp [2]byte
	i := 0
	for ; i < len(src); i++ {
		enc := quote(tmp[:0], src[i], qctl)
		if len(out)+len(enc) > room {
			break
		}
		out = append(out, enc...)
	}
	return out, i
}

// decodeData removes control prefixes.
func decodeData(src []byte, qctl byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		b := src[i]
		if b == qctl && i+1 < len(src) {
			i++
			b = src[i]
			a := b & 0x7f
			if (a >= 0x40 && a <= 0x5f) || a == '?' {
				b = ctl(b)
			}
		}
		out = append(out, b)
	}
	return out
}

// params are the Send-Init negotiation fields.
type params struct {
	maxLen  int  // longest packet the sender of these params accepts
	timeout int  // seconds the receiver of these params should wait
	npad    int  // padding characters wanted
	padc    byte // padding character
	eol     byte // packet terminator wanted
	qctl    byte // control prefix
	chkt    byte // block check type
}

func (p params) encode() []byte {
	return []byte{
		tochar(p.maxLen),
		tochar(p.timeout),
		tochar(p.npad),
		ctl(p.padc),
		tochar(int(p.eol)),
		p.qctl,
		'N', // no 8th-bit prefixing; the link is 8-bit clean
		p.chkt,
	}
}

// decodeParams reads the fields present in d over defaults. Missing trailing
// fields keep their default values, as the protocol allows.
func decodeParams(d []byte, def params) params {
	p := def
	if len(d) > 0 && unchar(d[0]) > 0 {
		p.maxLen = min(max(unchar(d[0]), minMaxLen), maxShortLen)
	}
	if len(d) > 1 && unchar(d[1]) > 0 {
		p.timeout = unchar(d[1])
	}
	if len(d) > 2 {
		p.npad = max(unchar(d[2]), 0)
	}
	if len(d) > 3 {
		p.padc = ctl(d[3])
	}
	if len(d) > 4 && unchar(d[4]) > 0 {
		p.eol = byte(unchar(d[4]))
	}
	if len(d) > 5 && d[5] > ' ' && d[5] < 127 {
		p.qctl = d[5]
	}
	if len(d) > 7 && d[7] == '1' {
		p.chkt = '1'
	}
	return p
}
