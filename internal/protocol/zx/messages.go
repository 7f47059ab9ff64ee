package zx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tracksrv/internal/protocol"
)

// Command bytes. The firmware that speaks this protocol does not
// publish its command table; LOGIN and TIME are fixed by the worked
// examples in the specification this module implements, the rest are
// this implementation's own consistent assignment.
const (
	cmdLogin                   = 0x01
	cmdGPSPositioning          = 0x10
	cmdGPSOfflinePositioning   = 0x11
	cmdStatus                  = 0x13
	cmdAlarm                   = 0x16
	cmdWifiOfflinePositioning  = 0x17
	cmdHeartbeat               = 0x23
	cmdWifiPositioning         = 0x2a
	cmdTime                    = 0x30
	cmdSetup                   = 0x57
	cmdPositionUploadInterval  = 0x8a
	cmdHibernation             = 0xff
)

func cmdName(b byte) string {
	switch b {
	case cmdLogin:
		return "LOGIN"
	case cmdGPSPositioning:
		return "GPS_POSITIONING"
	case cmdGPSOfflinePositioning:
		return "GPS_OFFLINE_POSITIONING"
	case cmdStatus:
		return "STATUS"
	case cmdAlarm:
		return "ALARM"
	case cmdWifiOfflinePositioning:
		return "WIFI_OFFLINE_POSITIONING"
	case cmdHeartbeat:
		return "HEARTBEAT"
	case cmdWifiPositioning:
		return "WIFI_POSITIONING"
	case cmdTime:
		return "TIME"
	case cmdSetup:
		return "SETUP"
	case cmdPositionUploadInterval:
		return "POSITION_UPLOAD_INTERVAL"
	case cmdHibernation:
		return "HIBERNATION"
	default:
		return fmt.Sprintf("UNKNOWN_%02X", b)
	}
}

func cmdByName(name string) (byte, bool) {
	for _, c := range []byte{cmdLogin, cmdGPSPositioning, cmdGPSOfflinePositioning, cmdStatus,
		cmdAlarm, cmdWifiOfflinePositioning, cmdHeartbeat, cmdWifiPositioning, cmdTime,
		cmdSetup, cmdPositionUploadInterval, cmdHibernation} {
		if cmdName(c) == name {
			return c, true
		}
	}
	return 0, false
}

// baseMsg carries what every zx message kind has in common.
type baseMsg struct {
	cmd     byte
	payload []byte
}

func (m baseMsg) ProtoID() string   { return "ZX:" + cmdName(m.cmd) }
func (m baseMsg) Packet() []byte    { return m.payload }

// Login is decoded from the device's first frame: an 8-byte BCD-encoded
// IMEI followed by trailing bytes this implementation does not
// interpret further (the upstream firmware table for them was not
// available).
type Login struct {
	baseMsg
	IMEI  string
	Extra []byte
}

func (Login) Respond() protocol.RespondKind { return protocol.RespondInline }

// Heartbeat carries no fields worth decoding.
type Heartbeat struct{ baseMsg }

func (Heartbeat) Respond() protocol.RespondKind { return protocol.RespondInline }

// GPSFix is shared by GPS_POSITIONING and GPS_OFFLINE_POSITIONING.
type GPSFix struct {
	baseMsg
	DeviceTime time.Time
	RawTime    [6]byte
	Valid      bool
	Latitude   float64
	Longitude  float64
	HeadingDeg int
	Offline    bool
}

func (GPSFix) Respond() protocol.RespondKind { return protocol.RespondInline }

func (g GPSFix) Rectified() (*protocol.CoordReport, *protocol.StatusReport, *protocol.HintReport) {
	if !g.Valid {
		return nil, nil, nil
	}
	return &protocol.CoordReport{
		DevTime:   g.DeviceTime,
		Latitude:  g.Latitude,
		Longitude: g.Longitude,
		Direction: floatPtr(float64(g.HeadingDeg)),
	}, nil, nil
}

// Status carries a battery level and needs termconfig to supply the
// configured reporting interval. The declared frame length is supposed
// to be len(payload)+4, but some firmware reports len(payload)+2
// instead; both are accepted and LengthQuirk records which one fired.
// If neither relationship holds, LengthWarning explains why, for the
// collector to log.
type Status struct {
	baseMsg
	BatteryPercent int
	LengthQuirk    bool
	LengthWarning  string
}

func (Status) Respond() protocol.RespondKind { return protocol.RespondExternal }

func (s Status) Rectified() (*protocol.CoordReport, *protocol.StatusReport, *protocol.HintReport) {
	return nil, &protocol.StatusReport{BatteryPercent: s.BatteryPercent}, nil
}

// Warning surfaces a non-fatal decode anomaly. The collector checks for
// this optional method on any Msg it logs.
func (s Status) Warning() string { return s.LengthWarning }

// Alarm has no inline or external response defined by the spec. It is
// not Rectifiable, so the rectifier produces no report from it.
type Alarm struct {
	baseMsg
	AlarmCode byte
}

func (Alarm) Respond() protocol.RespondKind { return protocol.RespondNone }

// WifiPositioning and WifiOfflinePositioning both carry LBS/Wi-Fi hints.
type WifiHint struct {
	baseMsg
	DeviceTime time.Time
	RawTime    [6]byte
	MCC, MNC   int
	Cells      []protocol.GSMCell
	APs        []protocol.WifiAP
	offline    bool
}

func (w WifiHint) Respond() protocol.RespondKind {
	if w.offline {
		return protocol.RespondInline
	}
	return protocol.RespondExternal
}

func (w WifiHint) Rectified() (*protocol.CoordReport, *protocol.StatusReport, *protocol.HintReport) {
	return nil, nil, &protocol.HintReport{
		DevTime: w.DeviceTime,
		MCC:     w.MCC,
		MNC:     w.MNC,
		Cells:   w.Cells,
		APs:     w.APs,
	}
}

// Setup requests a full terminal configuration from termconfig.
type Setup struct{ baseMsg }

func (Setup) Respond() protocol.RespondKind { return protocol.RespondExternal }

// PositionUploadInterval asks termconfig what interval to report at.
type PositionUploadInterval struct{ baseMsg }

func (PositionUploadInterval) Respond() protocol.RespondKind { return protocol.RespondExternal }

// TimeSync has an inline, clock-only response.
type TimeSync struct{ baseMsg }

func (TimeSync) Respond() protocol.RespondKind { return protocol.RespondInline }

// Hibernation is the goodbye packet: the device is about to hang up.
type Hibernation struct{ baseMsg }

func (Hibernation) Respond() protocol.RespondKind { return protocol.RespondNone }

// Unknown wraps a packet this module could not make sense of.
type Unknown struct {
	baseMsg
	RawCmd byte
}

func (u Unknown) ProtoID() string            { return "ZX:UNKNOWN" }
func (Unknown) Respond() protocol.RespondKind { return protocol.RespondNone }

func floatPtr(f float64) *float64 { return &f }

// decodeBCDIMEI reads n bytes as packed-BCD decimal digits.
func decodeBCDIMEI(b []byte) string {
	var sb strings.Builder
	for _, by := range b {
		sb.WriteByte('0' + (by>>4)&0xf)
		sb.WriteByte('0' + by&0xf)
	}
	return sb.String()
}

func encodeBCDIMEI(imei string) []byte {
	if len(imei)%2 != 0 {
		imei = "0" + imei
	}
	out := make([]byte, len(imei)/2)
	for i := 0; i < len(out); i++ {
		hi := imei[2*i] - '0'
		lo := imei[2*i+1] - '0'
		out[i] = hi<<4 | lo
	}
	return out
}

// decodeCoordFlags unpacks the flags field described in the spec: bit3
// GPS fix valid, bit4 longitude negative, bit5 latitude POSITIVE (the
// inverted polarity is intentional and must be preserved), bits 6..15
// heading in degrees.
func decodeCoordFlags(flags uint16) (valid bool, lonSign, latSign int, headingDeg int) {
	valid = flags&(1<<3) != 0
	if flags&(1<<4) != 0 {
		lonSign = -1
	} else {
		lonSign = 1
	}
	if flags&(1<<5) != 0 {
		latSign = 1
	} else {
		latSign = -1
	}
	headingDeg = int(flags >> 6)
	return
}

const coordScale = 1.0 / (30000.0 * 60.0)

func decodeCoord(raw uint32, sign int) float64 {
	return float64(sign) * float64(raw) * coordScale
}

// decodeGPSPayload handles both GPS_POSITIONING and
// GPS_OFFLINE_POSITIONING: 6 bytes timestamp, then 4 bytes satellite
// info (ignored), then lat(4) lon(4) flags(2).
func decodeGPSPayload(payload []byte) (GPSFix, bool) {
	if len(payload) < 6+4+4+4+2 {
		return GPSFix{}, false
	}
	var rawTime [6]byte
	copy(rawTime[:], payload[:6])
	devTime := bcdTimeToUTC(rawTime)

	off := 10 // skip 6 bytes timestamp + 4 bytes satellite/course info
	lat := binary.BigEndian.Uint32(payload[off : off+4])
	lon := binary.BigEndian.Uint32(payload[off+4 : off+8])
	flags := binary.BigEndian.Uint16(payload[off+8 : off+10])

	valid, lonSign, latSign, heading := decodeCoordFlags(flags)
	return GPSFix{
		DeviceTime: devTime,
		RawTime:    rawTime,
		Valid:      valid,
		Latitude:   decodeCoord(lat, latSign),
		Longitude:  decodeCoord(lon, lonSign),
		HeadingDeg: heading,
	}, true
}

func bcdTimeToUTC(raw [6]byte) time.Time {
	yy, mm, dd, hh, mi, ss := int(raw[0]), int(raw[1]), int(raw[2]), int(raw[3]), int(raw[4]), int(raw[5])
	return time.Date(2000+yy, time.Month(mm), dd, hh, mi, ss, 0, time.UTC)
}

// decodeStatusPayload reads battery percentage and checks the length
// quirk noted in the specification: STATUS frames normally declare
// length as len(payload)+4, but some firmware instead reports
// len(payload)+2. Both are accepted; when the declared length matches
// neither convention, decoding still proceeds but LengthWarning is set
// rather than silently accepted. Do not paper over this.
func decodeStatusPayload(payload []byte, length int) (Status, error) {
	if len(payload) < 1 {
		return Status{}, fmt.Errorf("zx: STATUS payload too short")
	}
	st := Status{BatteryPercent: voltageToPercent(payload[0])}
	switch length {
	case len(payload) + 4:
	case len(payload) + 2:
		st.LengthQuirk = true
	default:
		st.LengthWarning = fmt.Sprintf(
			"zx: STATUS length byte %d matches neither payload+4 nor payload+2 (payload=%d bytes)",
			length, len(payload))
	}
	return st, nil
}

func voltageToPercent(level byte) int {
	switch {
	case level >= 6:
		return 100
	case level == 5:
		return 80
	case level == 4:
		return 60
	case level == 3:
		return 40
	case level == 2:
		return 20
	default:
		return 0
	}
}

// decodeWifiHint reads the Wi-Fi/cell positioning payload: 6-byte
// timestamp, MCC(2) MNC(1), a count byte of GSM cells each
// area(2)+cell(2)+rssi(1), then a count byte of APs each mac(6)+rssi(1).
func decodeWifiHint(payload []byte) (WifiHint, error) {
	if len(payload) < 6+2+1+1 {
		return WifiHint{}, fmt.Errorf("zx: wifi hint payload too short")
	}
	var rawTime [6]byte
	copy(rawTime[:], payload[:6])
	devTime := bcdTimeToUTC(rawTime)

	off := 6
	mcc := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	mnc := int(payload[off])
	off++

	if off >= len(payload) {
		return WifiHint{}, fmt.Errorf("zx: wifi hint missing cell count")
	}
	nCells := int(payload[off])
	off++
	cells := make([]protocol.GSMCell, 0, nCells)
	for i := 0; i < nCells; i++ {
		if off+5 > len(payload) {
			return WifiHint{}, fmt.Errorf("zx: wifi hint truncated cell list")
		}
		area := int(binary.BigEndian.Uint16(payload[off : off+2]))
		cell := int(binary.BigEndian.Uint16(payload[off+2 : off+4]))
		rssi := int(int8(payload[off+4]))
		cells = append(cells, protocol.GSMCell{Area: area, Cell: cell, RSSI: rssi})
		off += 5
	}

	if off >= len(payload) {
		return WifiHint{DeviceTime: devTime, RawTime: rawTime, MCC: mcc, MNC: mnc, Cells: cells}, nil
	}
	nAPs := int(payload[off])
	off++
	aps := make([]protocol.WifiAP, 0, nAPs)
	for i := 0; i < nAPs; i++ {
		if off+7 > len(payload) {
			break
		}
		mac := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			payload[off], payload[off+1], payload[off+2], payload[off+3], payload[off+4], payload[off+5])
		rssi := int(int8(payload[off+6]))
		aps = append(aps, protocol.WifiAP{MAC: mac, RSSI: rssi})
		off += 7
	}

	return WifiHint{DeviceTime: devTime, RawTime: rawTime, MCC: mcc, MNC: mnc, Cells: cells, APs: aps}, nil
}

// WifiPositioningOut builds the reply the rectifier pushes back to the
// device once a WIFI_POSITIONING hint has been resolved to coordinates:
// the payload is the ASCII text "<+lat>,<+lon>" per the worked example,
// embedded as the payload of an otherwise ordinary ZX frame. BuildOut
// returns the fully-framed wire bytes, not a bare payload, since the
// cmd byte this frame carries is specific to this message kind and the
// generic Module.Enframe has no way to know it.
type WifiPositioningOut struct{}

func (WifiPositioningOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	lat, ok1 := kwargs["latitude"].(float64)
	lon, ok2 := kwargs["longitude"].(float64)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("zx: WIFI_POSITIONING.Out needs latitude and longitude")
	}
	payload := []byte(fmt.Sprintf("%+.8g,%+.8g", lat, lon))
	return enframeCmd(cmdWifiPositioning, payload), nil
}

// SetupOut builds the SETUP response payload from the recognized
// option names in the specification, each taken from kwargs when
// present and written as its default otherwise (60 for
// uploadintervalseconds, zero/empty for the rest).
type SetupOut struct{}

func (SetupOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	writeU16 := func(v int) { binary.Write(&buf, binary.BigEndian, uint16(v)) }
	writeU8 := func(v int) { buf.WriteByte(byte(v)) }

	writeU16(intOr(kwargs, "uploadintervalseconds", 60))
	writeU8(intOr(kwargs, "binaryswitch", 0))
	for i := 0; i < 3; i++ {
		writeU8(intOrIdx(kwargs, "alarms", i, 0))
	}
	writeU8(intOr(kwargs, "dndtimeswitch", 0))
	for i := 0; i < 3; i++ {
		writeU16(intOrIdx(kwargs, "dndtimes", i, 0))
	}
	writeU8(intOr(kwargs, "gpstimeswitch", 0))
	writeU16(intOr(kwargs, "gpstimestart", 0))
	writeU16(intOr(kwargs, "gpstimestop", 0))
	for i := 0; i < 3; i++ {
		phone := strOrIdx(kwargs, "phonenumbers", i, "")
		var field [16]byte
		copy(field[:], phone)
		buf.Write(field[:])
	}
	return enframeCmd(cmdSetup, buf.Bytes()), nil
}

// StatusOut builds the STATUS response: a single big-endian uint16
// minutes-between-reports field.
type StatusOut struct{}

func (StatusOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(intOr(kwargs, "statusintervalminutes", 25)))
	return enframeCmd(cmdStatus, buf.Bytes()), nil
}

// PositionUploadIntervalOut builds a bare interval-seconds reply.
type PositionUploadIntervalOut struct{}

func (PositionUploadIntervalOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(intOr(kwargs, "uploadintervalseconds", 60)))
	return enframeCmd(cmdPositionUploadInterval, buf.Bytes()), nil
}

func intOr(kwargs map[string]interface{}, key string, def int) int {
	v, ok := kwargs[key]
	if !ok {
		return def
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
	return def
}

func intOrIdx(kwargs map[string]interface{}, key string, idx, def int) int {
	v, ok := kwargs[key]
	if !ok {
		return def
	}
	list, ok := v.([]interface{})
	if !ok || idx >= len(list) {
		if list2, ok := v.([]int64); ok && idx < len(list2) {
			return int(list2[idx])
		}
		return def
	}
	switch n := list[idx].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func strOrIdx(kwargs map[string]interface{}, key string, idx int, def string) string {
	v, ok := kwargs[key]
	if !ok {
		return def
	}
	if list, ok := v.([]string); ok && idx < len(list) {
		return list[idx]
	}
	if list, ok := v.([]interface{}); ok && idx < len(list) {
		if s, ok := list[idx].(string); ok {
			return s
		}
	}
	return def
}
