// Package protocol holds the GATT layout of the SLATE device and the write
// sequence that unlocks its serial port service.
package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// SLATE serial port service, written by us during the handshake.
const (
	SlateServiceUUID = "06000001-0000-0000-0000-0000004e4553"
	IdentCharUUID    = "00000000-0000-0000-4000-0000024e4553"
	AuthCharUUID     = "00000000-0000-0000-4000-0000034e4553"
	MiscCharUUID     = "00000000-0000-0000-4000-0000054e4553"
)

// MLDP data service. The peer hosts one copy we write to, and we host one
// the peer writes to.
const (
	MLDPServiceUUID  = "00035b03-58e6-07dd-021a-08123a000300"
	MLDPDataCharUUID = "00035b03-58e6-07dd-021a-08123a000301"
	MLDPCtrlCharUUID = "00035b03-58e6-07dd-021a-08123a0003ff"
)

// MaxDataLen is the largest payload of one data characteristic write.
const MaxDataLen = 20

const (
	identLen = 8
	authLen  = 4
	miscLen  = 1
)

// Handshake holds the values written to the SLATE characteristics, in
// order: identification, authentication, misc.
type Handshake struct {
	Ident []byte
	Auth  []byte
	Misc  []byte
}

// DefaultHandshake returns the values the device accepts out of the box.
func DefaultHandshake() Handshake {
	return Handshake{
		Ident: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x06},
		Auth:  []byte{0x00, 0x00, 0x00, 0x00},
		Misc:  []byte{0x01},
	}
}

// Validate checks each value has the length the device expects.
func (h Handshake) Validate() error {
	for _, f := range []struct {
		name string
		val  []byte
		want int
	}{
		{"ident", h.Ident, identLen},
		{"auth", h.Auth, authLen},
		{"misc", h.Misc, miscLen},
	} {
		if len(f.val) != f.want {
			return fmt.Errorf("protocol: %s value must be %d bytes, got %d", f.name, f.want, len(f.val))
		}
	}
	return nil
}

// Step is one characteristic write of the handshake.
type Step struct {
	Name     string
	CharUUID string
	Value    []byte
}

func (s Step) String() string {
	return fmt.Sprintf("%s=% x", s.Name, s.Value)
}

// Steps returns the writes in the order the device requires.
func (h Handshake) Steps() []Step {
	return []Step{
		{Name: "ident", CharUUID: IdentCharUUID, Value: bytes.Clone(h.Ident)},
		{Name: "auth", CharUUID: AuthCharUUID, Value: bytes.Clone(h.Auth)},
		{Name: "misc", CharUUID: MiscCharUUID, Value: bytes.Clone(h.Misc)},
	}
}

// WithAuth returns a copy of h using auth as the authentication value.
func (h Handshake) WithAuth(auth []byte) Handshake {
	h.Auth = bytes.Clone(auth)
	return h
}

// NormalizeAddress upper-cases a MAC address and adds colons to the
// 12-digit form.
func NormalizeAddress(addr string) string {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if len(addr) != 12 || strings.Contains(addr, ":") {
		return addr
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(addr[i : i+2])
	}
	return b.String()
}
