package bs

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"tracksrv/internal/protocol"
)

// PROTO_PREFIX equivalent.
const protoPrefix = "BS:"

type baseMsg struct {
	proto string
	raw   []byte
}

func (m baseMsg) Packet() []byte { return m.raw }

// LocData is the shared shape of UD, UD2 and AL: a full location-and-
// status report. AL additionally carries an SOS flag (set by the device
// when the report was triggered by the alarm button) but is otherwise
// identical.
type LocData struct {
	baseMsg
	DevTime             time.Time
	GPSValid            bool
	Latitude, Longitude float64
	SpeedKPH            float64
	DirectionDeg        float64
	AltitudeM           float64
	NumSatellites       int
	GSMStrengthPercent  int
	BatteryPercent      int
	Pedometer           int
	TumblingTimes       int
	DeviceStatus        int
	MCC, MNC            int
	Cells               []protocol.GSMCell
	APs                 []WifiObservation
	PositioningAccuracy float64
}

// WifiObservation keeps the SSID the device reported alongside the MAC
// and signal strength; protocol.WifiAP (what Rectified returns) drops
// the SSID, which no downstream component needs.
type WifiObservation struct {
	SSID string
	MAC  string
	RSSI int
}

func (m LocData) ProtoID() string { return protoPrefix + m.proto }

func (m LocData) Respond() protocol.RespondKind {
	if m.proto == "AL" {
		return protocol.RespondInline
	}
	return protocol.RespondNone
}

// Rectified implements protocol.Rectifiable: a valid fix reports
// position, otherwise the raw cell/Wi-Fi observations are handed off
// for a rectifier lookup.
func (m LocData) Rectified() (*protocol.CoordReport, *protocol.StatusReport, *protocol.HintReport) {
	if m.GPSValid {
		battery := m.BatteryPercent
		accuracy := m.PositioningAccuracy
		altitude := m.AltitudeM
		speed := m.SpeedKPH
		direction := m.DirectionDeg
		return &protocol.CoordReport{
			DevTime:        m.DevTime,
			BatteryPercent: &battery,
			Accuracy:       &accuracy,
			Altitude:       &altitude,
			Speed:          &speed,
			Direction:      &direction,
			Latitude:       m.Latitude,
			Longitude:      m.Longitude,
		}, nil, nil
	}
	aps := make([]protocol.WifiAP, len(m.APs))
	for i, a := range m.APs {
		aps[i] = protocol.WifiAP{MAC: a.MAC, RSSI: a.RSSI}
	}
	return nil, nil, &protocol.HintReport{
		DevTime: m.DevTime,
		MCC:     m.MCC,
		MNC:     m.MNC,
		Cells:   m.Cells,
		APs:     aps,
	}
}

// decodeLocData parses the comma-split fields shared by UD, UD2 and AL.
func decodeLocData(proto string, raw []byte, fields []string) (LocData, error) {
	if len(fields) < 20 {
		return LocData{}, fmt.Errorf("bs: %s: expected at least 20 fields, got %d", proto, len(fields))
	}
	m := LocData{baseMsg: baseMsg{proto: proto, raw: raw}}

	date := fields[0]
	clock := fields[1]
	m.GPSValid = fields[2] == "A"
	lat, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return LocData{}, fmt.Errorf("bs: %s: bad latitude %q: %w", proto, fields[3], err)
	}
	nors := 1.0
	if fields[4] != "N" {
		nors = -1.0
	}
	lon, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return LocData{}, fmt.Errorf("bs: %s: bad longitude %q: %w", proto, fields[5], err)
	}
	eorw := 1.0
	if fields[6] != "E" {
		eorw = -1.0
	}
	m.Latitude = lat * nors
	m.Longitude = lon * eorw

	m.SpeedKPH, _ = strconv.ParseFloat(fields[7], 64)
	m.DirectionDeg, _ = strconv.ParseFloat(fields[8], 64)
	m.AltitudeM, _ = strconv.ParseFloat(fields[9], 64)
	m.NumSatellites, _ = strconv.Atoi(fields[10])
	m.GSMStrengthPercent, _ = strconv.Atoi(fields[11])
	m.BatteryPercent, _ = strconv.Atoi(fields[12])
	m.Pedometer, _ = strconv.Atoi(fields[13])
	m.TumblingTimes, _ = strconv.Atoi(fields[14])
	if ds, err := strconv.ParseInt(fields[15], 16, 64); err == nil {
		m.DeviceStatus = int(ds)
	}
	cellsN, _ := strconv.Atoi(fields[16])
	_, _ = strconv.Atoi(fields[17]) // connect_base_station_number, unused downstream
	m.MCC, _ = strconv.Atoi(fields[18])
	m.MNC, _ = strconv.Atoi(fields[19])

	rest := fields[20:]
	for i := 0; i < cellsN && len(rest) >= 3*(i+1); i++ {
		area, _ := strconv.Atoi(rest[i*3])
		cell, _ := strconv.Atoi(rest[i*3+1])
		rssi, _ := strconv.Atoi(rest[i*3+2])
		m.Cells = append(m.Cells, protocol.GSMCell{Area: area, Cell: cell, RSSI: rssi})
	}
	rest = rest[min(3*cellsN, len(rest)):]

	if len(rest) == 0 {
		return m, fmt.Errorf("bs: %s: missing wifi_aps_number field", proto)
	}
	apsN, _ := strconv.Atoi(rest[0])
	rest = rest[1:]
	for i := 0; i < apsN && len(rest) >= 3*(i+1); i++ {
		rssi, _ := strconv.Atoi(rest[i*3+2])
		m.APs = append(m.APs, WifiObservation{SSID: rest[i*3], MAC: rest[i*3+1], RSSI: rssi})
	}
	rest = rest[min(3*apsN, len(rest)):]

	if len(rest) > 0 {
		m.PositioningAccuracy, _ = strconv.ParseFloat(rest[0], 64)
	}

	if t, err := time.Parse("020106150405", date+clock); err == nil {
		m.DevTime = t
	}
	return m, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// LK is the periodic keepalive/heartbeat, answered inline.
type LK struct {
	baseMsg
	Step, TumblingNumber, BatteryPercent string
}

func (m LK) ProtoID() string            { return protoPrefix + "LK" }
func (m LK) Respond() protocol.RespondKind { return protocol.RespondInline }

func decodeLK(raw []byte, fields []string) LK {
	m := LK{baseMsg: baseMsg{proto: "LK", raw: raw}}
	if len(fields) > 0 {
		m.Step = fields[0]
	}
	if len(fields) > 1 {
		m.TumblingNumber = fields[1]
	}
	if len(fields) > 2 {
		m.BatteryPercent = fields[2]
	}
	return m
}

// TKQ and TKQ2 request a voice-monitoring callback; both are answered
// inline with no payload beyond the command verb.
type TKQ struct{ baseMsg }

func (m TKQ) ProtoID() string               { return protoPrefix + m.proto }
func (m TKQ) Respond() protocol.RespondKind { return protocol.RespondInline }

// TK carries a chunk of AMR-encoded voice audio, escaped so that the
// bytes 0x2a (*), 0x2c (,), 0x5b ([), 0x5d (]) and 0x7d (}) cannot be
// mistaken for frame syntax.
type TK struct {
	baseMsg
	AMRData []byte
}

func (m TK) ProtoID() string               { return protoPrefix + "TK" }
func (m TK) Respond() protocol.RespondKind { return protocol.RespondInline }

func decodeTK(raw, escaped []byte) TK {
	unescaped := bytes.ReplaceAll(escaped, []byte("}*"), []byte("*"))
	unescaped = bytes.ReplaceAll(unescaped, []byte("},"), []byte(","))
	unescaped = bytes.ReplaceAll(unescaped, []byte("}["), []byte("["))
	unescaped = bytes.ReplaceAll(unescaped, []byte("}]"), []byte("]"))
	unescaped = bytes.ReplaceAll(unescaped, []byte("}}"), []byte("}"))
	return TK{baseMsg: baseMsg{proto: "TK", raw: raw}, AMRData: unescaped}
}

// Other covers every command kind that carries no fields a downstream
// component needs to act on (CONFIG, CR, ICCID, POWEROFF, RESET) and
// anything not recognized at all.
type Other struct {
	baseMsg
	Fields []string
	Cause  error
}

func (m Other) ProtoID() string               { return protoPrefix + m.proto }
func (m Other) Respond() protocol.RespondKind { return protocol.RespondNone }

// knownProtos lists every command this module recognizes. ClassByPrefix
// counts all matches, so the order of this list does not affect it.
var knownProtos = []string{
	"UD", "UD2", "AL", "CONFIG", "CR", "FLOWER", "ICCID", "LK", "MESSAGE",
	"PHB", "PHB2", "POWEROFF", "RESET", "SOS", "SOS1", "SOS2", "SOS3",
	"TK", "TKQ", "TKQ2", "UNKNOWN",
}

func hasRectified(proto string) bool {
	return proto == "UD" || proto == "UD2" || proto == "AL"
}

// packBS frames an outgoing command the way BeeSurePkt.packed does: the
// server always signs its own replies with vendor "LT" and a dummy
// all-zero IMEI, since the device identifies the connection, not the
// frame header.
func packBS(proto, data string) []byte {
	payload := proto
	if data != "" {
		payload = proto + "," + data
	}
	return []byte(fmt.Sprintf("[LT*0000000000*%04X*%s]", len(payload), payload))
}

// --- OutBuilders: constructors for server-to-device commands. ---

// FLOWEROut requests the device report its location every `number`
// minutes.
type FLOWEROut struct{}

func (FLOWEROut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	n := intOr(kwargs, "number", 1)
	return packBS("FLOWER", strconv.Itoa(n)), nil
}

// MESSAGEOut pushes a text message to the device's display, encoded as
// UTF-16BE per the firmware's expectation.
type MESSAGEOut struct{}

func (MESSAGEOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	msg, _ := kwargs["message"].(string)
	return packBS("MESSAGE", hexUTF16BE(msg)), nil
}

func hexUTF16BE(s string) string {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return fmt.Sprintf("%x", buf)
}

// phoneBookEntry is one "name:number" pair for PHB/PHB2.
type phoneBookEntry struct{ name, number string }

func parsePhoneBook(kwargs map[string]interface{}) ([]phoneBookEntry, error) {
	raw, ok := kwargs["entries"]
	if !ok {
		return nil, nil
	}
	var items []string
	switch v := raw.(type) {
	case string:
		items = strings.Split(v, ",")
	case []string:
		items = v
	case []interface{}:
		for _, el := range v {
			items = append(items, fmt.Sprint(el))
		}
	default:
		return nil, fmt.Errorf("bs: entries must be a string or list")
	}
	if len(items) > 5 {
		return nil, fmt.Errorf("bs: entries has too many elements (max 5)")
	}
	out := make([]phoneBookEntry, 0, len(items))
	for _, it := range items {
		parts := strings.SplitN(it, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bs: entry %q is not name:number", it)
		}
		out = append(out, phoneBookEntry{name: parts[0], number: parts[1]})
	}
	return out, nil
}

type PHBOut struct{}

func (PHBOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	entries, err := parsePhoneBook(kwargs)
	if err != nil {
		return nil, err
	}
	return packBS("PHB", encodePhoneBook(entries)), nil
}

type PHB2Out struct{}

func (PHB2Out) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	entries, err := parsePhoneBook(kwargs)
	if err != nil {
		return nil, err
	}
	return packBS("PHB2", encodePhoneBook(entries)), nil
}

func encodePhoneBook(entries []phoneBookEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.number+","+hexUTF16BE(e.name))
	}
	return strings.Join(parts, ",")
}

// SOSOut sets the three SOS speed-dial numbers in one command.
type SOSOut struct{}

func (SOSOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	nums, err := strList3(kwargs, "phonenumbers")
	if err != nil {
		return nil, err
	}
	return packBS("SOS", strings.Join(nums, ",")), nil
}

func strList3(kwargs map[string]interface{}, key string) ([]string, error) {
	raw, ok := kwargs[key]
	if !ok {
		return []string{"", "", ""}, nil
	}
	var lst []string
	switch v := raw.(type) {
	case string:
		lst = strings.Split(v, ",")
	case []string:
		lst = v
	case []interface{}:
		for _, el := range v {
			lst = append(lst, fmt.Sprint(el))
		}
	}
	if len(lst) != 3 {
		return nil, fmt.Errorf("bs: %s must have exactly three entries", key)
	}
	return lst, nil
}

// sosSlotOut sets a single SOS speed-dial slot (SOS1/SOS2/SOS3).
type sosSlotOut struct{ proto string }

func (o sosSlotOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	num, _ := kwargs["phonenumber"].(string)
	return packBS(o.proto, num), nil
}

type SOS1Out struct{ sosSlotOut }
type SOS2Out struct{ sosSlotOut }
type SOS3Out struct{ sosSlotOut }

func NewSOS1Out() SOS1Out { return SOS1Out{sosSlotOut{"SOS1"}} }
func NewSOS2Out() SOS2Out { return SOS2Out{sosSlotOut{"SOS2"}} }
func NewSOS3Out() SOS3Out { return SOS3Out{sosSlotOut{"SOS3"}} }

func intOr(kwargs map[string]interface{}, key string, dfl int) int {
	v, ok := kwargs[key]
	if !ok {
		return dfl
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return dfl
}
