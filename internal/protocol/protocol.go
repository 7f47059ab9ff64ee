// Package protocol defines the contract every wire-protocol module (ZX,
// BS) implements, and the protocol-agnostic shapes (Msg, the rectified
// report kinds) that the collector, rectifier, termconfig responder and
// storage consume without knowing which module produced them.
//
// The source this contract was learned from discovers message kinds
// through runtime reflection. Here each module instead enumerates its
// message kinds as a build-time tagged union: a switch on the command
// in each module's ParseMessage, with no runtime registration.
package protocol

import "time"

// RespondKind classifies how a message kind's reply, if any, is produced.
type RespondKind int

const (
	RespondNone RespondKind = iota
	RespondInline
	RespondExternal
)

func (k RespondKind) String() string {
	switch k {
	case RespondInline:
		return "INLINE"
	case RespondExternal:
		return "EXTERNAL"
	default:
		return "NONE"
	}
}

// Msg is the parsed form of one frame, in either direction.
type Msg interface {
	// ProtoID is "<pmod>:<CMD>", e.g. "ZX:LOGIN" or "BS:UD".
	ProtoID() string
	// Respond says whether this kind of incoming message has an inline,
	// externally-sourced, or no reply at all.
	Respond() RespondKind
	// Packet is the raw payload this Msg was decoded from (incoming) or
	// will encode to (outgoing), without wire framing.
	Packet() []byte
}

// Rectifiable is implemented by incoming Msg kinds that carry location
// information of some form. At most one return value is non-nil; all
// are nil when the message yields nothing to report (a ZX GPS fix
// without the valid flag).
type Rectifiable interface {
	Rectified() (*CoordReport, *StatusReport, *HintReport)
}

// CoordReport is a resolved position, ready to publish as a Rept and to
// store as a reports row.
type CoordReport struct {
	DevTime        time.Time
	BatteryPercent *int
	Accuracy       *float64
	Altitude       *float64
	Speed          *float64
	Direction      *float64
	Latitude       float64
	Longitude      float64
}

// StatusReport carries a bare battery/status update with no position.
type StatusReport struct {
	DevTime        time.Time
	BatteryPercent int
}

// GSMCell is one observed cell tower, with the signal strength the
// device measured for it.
type GSMCell struct {
	Area, Cell int
	RSSI       int
}

// WifiAP is one observed access point.
type WifiAP struct {
	MAC  string
	RSSI int
}

// HintReport carries raw cell/Wi-Fi observations still needing a
// geolocation lookup before it can become a CoordReport.
type HintReport struct {
	DevTime time.Time
	MCC, MNC int
	Cells    []GSMCell
	APs      []WifiAP
}

// Frame is one element of the list a Stream.Recv call returns: either a
// complete deframed packet, or a warning describing a framing violation
// that was recovered from (leading junk, oversize buffer, bad trailer).
type Frame struct {
	Packet  []byte
	Warning string
}

// Stream is a stateful deframer, one instance per TCP connection. It
// owns a rolling buffer and must tolerate being fed bytes in arbitrary
// chunk sizes: Recv(s1) ++ Recv(s2) must equal Recv(s1 ++ s2).
type Stream interface {
	Recv(segment []byte) []Frame
	// Close returns any unconsumed buffered bytes and resets state.
	Close() []byte
}

// ExposedProto is one entry of a module's published catalogue of
// message kinds downstream components may subscribe to.
type ExposedProto struct {
	ProtoID             string
	NeedsExternalAnswer bool
}

// OutBuilder constructs the payload for an outgoing message of one
// concrete kind from keyword-style fields, used both by termconfig's
// externally-computed replies and by the operator "send" CLI.
type OutBuilder interface {
	BuildOut(kwargs map[string]interface{}) ([]byte, error)
}

// Module is the uniform contract every wire protocol implements. The
// collector and every downstream consumer interact with a device only
// through this surface and never branch on which protocol is in use.
type Module interface {
	// Name is the short protocol identifier ("ZX", "BS") used as the
	// pmod component of a proto id and of publish-channel topics.
	Name() string

	// ProbeBuffer reports whether b begins with this protocol's framing
	// signature; used once per new connection to bind it to a module.
	ProbeBuffer(b []byte) bool

	// NewStream returns a fresh deframer for one connection.
	NewStream() Stream

	// Enframe wraps an encoded payload with wire framing.
	Enframe(payload []byte, imei string) []byte

	// ParseMessage decodes packet into a Msg. It never panics or
	// returns an error: unparseable packets come back as an UNKNOWN Msg
	// wrapping the raw bytes, still useful to publish as a Bcast.
	ParseMessage(packet []byte, incoming bool) Msg

	// InlineResponse returns the framed reply bytes for messages whose
	// answer is a pure function of the request, nil otherwise.
	InlineResponse(packet []byte) []byte

	// IsGoodbyePacket reports whether packet signals the device is
	// about to close the connection on its own.
	IsGoodbyePacket(packet []byte) bool

	// IMEIFromPacket returns the IMEI a login-kind packet binds, if any.
	IMEIFromPacket(packet []byte) (imei string, ok bool)

	// ProtoOfMessage returns the "<pmod>:<CMD>" id for packet.
	ProtoOfMessage(packet []byte) string

	// ProtoHandled reports whether protoID names a message kind of
	// this module.
	ProtoHandled(protoID string) bool

	// ClassByPrefix looks up the OutBuilder for a message kind by full
	// proto id or case-insensitive command prefix, for the operator CLI
	// and the ws gateway's command dispatch.
	ClassByPrefix(prefix string) (OutBuilder, bool)

	// ExposedProtos enumerates the message kinds this module wants
	// downstream components to be able to subscribe to.
	ExposedProtos() []ExposedProto
}

// Registry is the process-wide (but explicitly constructed, not a
// package-level singleton) list of loaded protocol modules, used by the
// collector to probe new connections and by every other component to
// resolve a pmod name back to a Module.
type Registry struct {
	modules []Module
}

// NewRegistry builds a Registry over the given modules, in probe order.
func NewRegistry(modules ...Module) *Registry {
	return &Registry{modules: modules}
}

func (r *Registry) All() []Module { return r.modules }

// ByName returns the module whose Name() equals name.
func (r *Registry) ByName(name string) (Module, bool) {
	for _, m := range r.modules {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Probe returns the first module whose ProbeBuffer matches b.
func (r *Registry) Probe(b []byte) (Module, bool) {
	for _, m := range r.modules {
		if m.ProbeBuffer(b) {
			return m, true
		}
	}
	return nil, false
}

// ClassByPrefix searches every module for prefix, used when a caller
// (the ws gateway, the send CLI) knows a command name but not which
// protocol module defines it.
func (r *Registry) ClassByPrefix(prefix string) (Module, OutBuilder, bool) {
	for _, m := range r.modules {
		if b, ok := m.ClassByPrefix(prefix); ok {
			return m, b, true
		}
	}
	return nil, nil, false
}
