// Package bus implements the internal publish/pull message fabric that
// glues the collector, rectifier, storage, termconfig responder and
// websocket gateway together. Every component that is not the collector
// itself only ever sees these three envelope shapes travelling over it.
package bus

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

const (
	imeiFieldLen = 16
	protoFieldLen = 16
)

var zeroIMEI = strings.Repeat("0", imeiFieldLen)

func packIMEI(imei string) []byte {
	b := make([]byte, imeiFieldLen)
	if imei == "" {
		copy(b, zeroIMEI)
		return b
	}
	copy(b, imei)
	return b
}

func unpackIMEI(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	if s == zeroIMEI {
		return ""
	}
	return s
}

func packProto(proto string) []byte {
	b := make([]byte, protoFieldLen)
	copy(b, proto)
	return b
}

func unpackProto(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

func packFloat64(f float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(f))
	return b
}

func unpackFloat64(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// packPeer renders a TCP peer address as the 18-byte IPv6-mapped form:
// 16 bytes of address (IPv4 addresses are embedded ::ffff:a.b.c.d) plus
// a 2-byte big-endian port. A nil addr packs as the unspecified address.
func packPeer(addr *net.TCPAddr) []byte {
	out := make([]byte, 18)
	if addr == nil {
		binary.BigEndian.PutUint16(out[16:], 0)
		return out
	}
	ip4 := addr.IP.To4()
	if ip4 != nil {
		copy(out[10:12], []byte{0xff, 0xff})
		copy(out[12:16], ip4)
	} else {
		ip16 := addr.IP.To16()
		if ip16 != nil {
			copy(out, ip16)
		}
	}
	binary.BigEndian.PutUint16(out[16:], uint16(addr.Port))
	return out
}

func unpackPeer(b []byte) *net.TCPAddr {
	ip := net.IP(append([]byte(nil), b[:16]...))
	port := binary.BigEndian.Uint16(b[16:18])
	if ip4 := ip.To4(); ip4 != nil {
		return &net.TCPAddr{IP: ip4, Port: int(port)}
	}
	return &net.TCPAddr{IP: ip, Port: int(port)}
}

// Bcast is published by the collector for every packet it reads from, or
// writes to, a tracker connection.
type Bcast struct {
	IsIncoming bool
	Proto      string
	IMEI       string
	When       time.Time
	PeerAddr   *net.TCPAddr
	Packet     []byte
}

// Pack renders the envelope in the exact wire layout: 1 byte flag, 16
// byte proto name, 16 byte IMEI, 8 byte float64 unix seconds, 18 byte
// peer address, followed by the raw packet bytes.
func (b Bcast) Pack() []byte {
	out := make([]byte, 0, 1+protoFieldLen+imeiFieldLen+8+18+len(b.Packet))
	flag := byte(0)
	if b.IsIncoming {
		flag = 1
	}
	out = append(out, flag)
	out = append(out, packProto(b.Proto)...)
	out = append(out, packIMEI(b.IMEI)...)
	out = append(out, packFloat64(float64(b.When.Unix())+float64(b.When.Nanosecond())/1e9)...)
	out = append(out, packPeer(b.PeerAddr)...)
	out = append(out, b.Packet...)
	return out
}

// UnpackBcast parses a Bcast envelope, erroring if buf is too short to
// contain the fixed header.
func UnpackBcast(buf []byte) (Bcast, error) {
	const headerLen = 1 + protoFieldLen + imeiFieldLen + 8
	if len(buf) < headerLen+18 {
		return Bcast{}, fmt.Errorf("bus: short Bcast envelope (%d bytes)", len(buf))
	}
	var b Bcast
	b.IsIncoming = buf[0] != 0
	b.Proto = unpackProto(buf[1 : 1+protoFieldLen])
	off := 1 + protoFieldLen
	b.IMEI = unpackIMEI(buf[off : off+imeiFieldLen])
	off += imeiFieldLen
	when := unpackFloat64(buf[off : off+8])
	b.When = time.Unix(0, int64(when*1e9))
	off += 8
	b.PeerAddr = unpackPeer(buf[off : off+18])
	off += 18
	b.Packet = append([]byte(nil), buf[off:]...)
	return b, nil
}

// Topic returns the publish-channel topic a Bcast for (proto, incoming)
// is published under, optionally scoped to one IMEI. Subscribers use a
// topic as a subscription prefix, so unscoped and scoped topics must
// share a common prefix for a given (proto, incoming) pair.
func Topic(proto string, incoming bool, imei string) []byte {
	flag := byte(0)
	if incoming {
		flag = 1
	}
	out := make([]byte, 0, 1+protoFieldLen+imeiFieldLen)
	out = append(out, flag)
	out = append(out, packProto(proto)...)
	if imei != "" {
		out = append(out, packIMEI(imei)...)
	}
	return out
}

// RTopic is the topic the rectifier's published Rept messages, and
// wsgateway's per-device subscriptions, are keyed by: just the IMEI.
func RTopic(imei string) []byte {
	return packIMEI(imei)
}

// Resp is pushed into the pull channel by anything that wants the
// collector to deliver a packet to a connected device.
type Resp struct {
	IMEI   string
	When   time.Time
	Packet []byte
}

func (r Resp) Pack() []byte {
	out := make([]byte, 0, imeiFieldLen+8+len(r.Packet))
	out = append(out, packIMEI(r.IMEI)...)
	out = append(out, packFloat64(float64(r.When.Unix())+float64(r.When.Nanosecond())/1e9)...)
	out = append(out, r.Packet...)
	return out
}

func UnpackResp(buf []byte) (Resp, error) {
	const headerLen = imeiFieldLen + 8
	if len(buf) < headerLen {
		return Resp{}, fmt.Errorf("bus: short Resp envelope (%d bytes)", len(buf))
	}
	var r Resp
	r.IMEI = unpackIMEI(buf[:imeiFieldLen])
	when := unpackFloat64(buf[imeiFieldLen : imeiFieldLen+8])
	r.When = time.Unix(0, int64(when*1e9))
	r.Packet = append([]byte(nil), buf[headerLen:]...)
	return r, nil
}

// Rept carries proto-agnostic, already-rectified data (a resolved fix,
// a status update) as JSON, published for storage and the ws gateway.
type Rept struct {
	IMEI    string
	Payload string
}

func (r Rept) Pack() []byte {
	out := make([]byte, 0, imeiFieldLen+len(r.Payload))
	out = append(out, packIMEI(r.IMEI)...)
	out = append(out, []byte(r.Payload)...)
	return out
}

func UnpackRept(buf []byte) (Rept, error) {
	if len(buf) < imeiFieldLen {
		return Rept{}, fmt.Errorf("bus: short Rept envelope (%d bytes)", len(buf))
	}
	var r Rept
	r.IMEI = unpackIMEI(buf[:imeiFieldLen])
	r.Payload = string(buf[imeiFieldLen:])
	return r, nil
}
