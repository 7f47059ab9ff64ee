package bs

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"tracksrv/internal/protocol"
)

// Module is the BS protocol.Module implementation.
type Module struct{}

func New() *Module { return &Module{} }

func (Module) Name() string { return "BS" }

func (Module) ProbeBuffer(b []byte) bool {
	return frameStartRE.Match(b)
}

type streamAdapter struct{ d *Deframer }

func (s streamAdapter) Recv(segment []byte) []protocol.Frame {
	raw := s.d.Recv(segment)
	out := make([]protocol.Frame, len(raw))
	for i, f := range raw {
		out[i] = protocol.Frame{Packet: f.Packet, Warning: f.Warning}
	}
	return out
}

func (s streamAdapter) Close() []byte { return s.d.Close() }

func (Module) NewStream() protocol.Stream {
	return streamAdapter{d: NewDeframer()}
}

// Enframe re-stamps a packet built with the placeholder vendor/IMEI
// packBS uses with the device's real IMEI, the way enframe() in the
// reference implementation restamps an Out().packed buffer before it is
// written to the socket.
func (Module) Enframe(payload []byte, imei string) []byte {
	if len(imei) != 10 {
		return payload
	}
	offset, vendor, _, datalen := frameStart(payload)
	if offset != 0 {
		return payload
	}
	header := fmt.Sprintf("[%s*%s*%04X*", vendor, imei, datalen)
	return append([]byte(header), payload[20:]...)
}

// body strips the leading 20-byte header and trailing ']' from a
// deframed packet, returning the proto verb and its comma-split (or, for
// TK, raw binary) fields.
func splitBody(packet []byte) (proto string, rest []byte) {
	if len(packet) < 21 {
		return "", nil
	}
	inner := packet[20 : len(packet)-1]
	parts := bytes.SplitN(inner, []byte(","), 2)
	proto = string(parts[0])
	if len(parts) == 2 {
		rest = parts[1]
	}
	return proto, rest
}

var win1252Decoder = charmap.Windows1252.NewDecoder()

func decodeFields(rest []byte) []string {
	text, err := win1252Decoder.Bytes(rest)
	if err != nil {
		text = rest
	}
	if len(text) == 0 {
		return nil
	}
	return strings.Split(string(text), ",")
}

func (m Module) ParseMessage(packet []byte, incoming bool) protocol.Msg {
	proto, rest := splitBody(packet)
	switch proto {
	case "UD", "UD2", "AL":
		loc, err := decodeLocData(proto, packet, decodeFields(rest))
		if err != nil {
			return Other{baseMsg: baseMsg{proto: proto, raw: packet}, Cause: err}
		}
		return loc
	case "LK":
		return decodeLK(packet, decodeFields(rest))
	case "TKQ", "TKQ2":
		return TKQ{baseMsg{proto: proto, raw: packet}}
	case "TK":
		return decodeTK(packet, rest)
	case "":
		return Other{baseMsg: baseMsg{proto: "UNKNOWN", raw: packet}}
	default:
		found := false
		for _, p := range knownProtos {
			if p == proto {
				found = true
				break
			}
		}
		if !found {
			proto = "UNKNOWN"
		}
		return Other{baseMsg: baseMsg{proto: proto, raw: packet}, Fields: decodeFields(rest)}
	}
}

// InlineResponse answers the message kinds whose reply is a pure
// function of the request: AL, LK, TKQ, TKQ2 ack with their bare verb,
// TK acks with a receive-success flag.
func (Module) InlineResponse(packet []byte) []byte {
	proto, _ := splitBody(packet)
	switch proto {
	case "AL", "LK", "TKQ", "TKQ2":
		return packBS(proto, "")
	case "TK":
		return packBS("TK", "1")
	default:
		return nil
	}
}

func (Module) IsGoodbyePacket(packet []byte) bool { return false }

func (Module) IMEIFromPacket(packet []byte) (string, bool) {
	offset, _, imei, _ := frameStart(packet)
	if offset == 0 && imei != "" {
		return imei, true
	}
	return "", false
}

func (Module) ProtoOfMessage(packet []byte) string {
	proto, _ := splitBody(packet)
	if proto == "" {
		proto = "UNKNOWN"
	}
	return protoPrefix + proto
}

func (Module) ProtoHandled(protoID string) bool {
	return strings.HasPrefix(protoID, protoPrefix)
}

// ClassByPrefix mirrors class_by_prefix: an exact (case-insensitive)
// match wins outright, otherwise a prefix that names exactly one known
// command resolves to it.
func (Module) ClassByPrefix(prefix string) (protocol.OutBuilder, bool) {
	prefix = strings.TrimPrefix(prefix, protoPrefix)
	upper := strings.ToUpper(prefix)

	var matches []string
	for _, p := range knownProtos {
		if strings.HasPrefix(p, upper) {
			matches = append(matches, p)
		}
	}
	name := ""
	switch {
	case len(matches) == 1:
		name = matches[0]
	default:
		for _, p := range matches {
			if p == upper {
				name = p
				break
			}
		}
	}
	switch name {
	case "FLOWER":
		return FLOWEROut{}, true
	case "MESSAGE":
		return MESSAGEOut{}, true
	case "PHB":
		return PHBOut{}, true
	case "PHB2":
		return PHB2Out{}, true
	case "SOS":
		return SOSOut{}, true
	case "SOS1":
		return NewSOS1Out(), true
	case "SOS2":
		return NewSOS2Out(), true
	case "SOS3":
		return NewSOS3Out(), true
	}
	return nil, false
}

func (Module) ExposedProtos() []protocol.ExposedProto {
	var out []protocol.ExposedProto
	for _, p := range knownProtos {
		if hasRectified(p) {
			out = append(out, protocol.ExposedProto{ProtoID: protoPrefix + p, NeedsExternalAnswer: false})
		}
	}
	return out
}
