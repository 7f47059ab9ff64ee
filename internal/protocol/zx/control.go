package zx

import (
	"bytes"
	"encoding/binary"

	"tracksrv/internal/protocol"
)

// cmdCommand is the server-to-terminal general command frame (0x80):
// a 4-byte server flag, the ASCII command string, a language code and an
// info serial number, used for the oil/electricity cut and
// connect commands and for an on-demand location request. Unlike the
// other Out builders, this one has no corresponding incoming message
// kind — the device's reply arrives as an ordinary ALARM or STATUS
// frame, not something this builder needs to decode.
const cmdCommand = 0x80

const (
	languageEnglish = 0x0002
)

// serverFlag identifies this backend to the terminal across a command
// exchange; the firmware echoes it back in its acknowledgement but this
// implementation, like the collector generally, does not correlate
// requests with replies by flag value.
var serverFlag = [4]byte{0x01, 0x02, 0x03, 0x04}

// buildCommandPacket frames content (e.g. "DYD#") as a cmdCommand frame.
// The packet length byte is whatever enframeCmd writes for every
// outgoing frame: the payload length alone.
func buildCommandPacket(content string, serial uint16) []byte {
	var payload bytes.Buffer
	payload.Write(serverFlag[:])
	payload.WriteString(content)
	binary.Write(&payload, binary.BigEndian, uint16(languageEnglish))
	binary.Write(&payload, binary.BigEndian, serial)
	return enframeCmd(cmdCommand, payload.Bytes())
}

// CutOilOut builds the "cut oil and electricity" command (DYD#), the
// immobilization command an operator issues through the ws gateway or
// the send CLI against a specific IMEI.
type CutOilOut struct{}

func (CutOilOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	return buildCommandPacket("DYD#", uint16(intOr(kwargs, "serial", 1))), nil
}

// ConnectOilOut builds the "restore oil and electricity" command (HFYD#).
type ConnectOilOut struct{}

func (ConnectOilOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	return buildCommandPacket("HFYD#", uint16(intOr(kwargs, "serial", 1))), nil
}

// LocationRequestOut builds an on-demand location request (DWXX#).
type LocationRequestOut struct{}

func (LocationRequestOut) BuildOut(kwargs map[string]interface{}) ([]byte, error) {
	return buildCommandPacket("DWXX#", uint16(intOr(kwargs, "serial", 1))), nil
}

// controlBuilderByPrefix resolves a case-insensitive command prefix that
// names one of the device-control commands defined in this file, for
// ClassByPrefix.
func controlBuilderByPrefix(upper string) (protocol.OutBuilder, bool) {
	switch {
	case hasPrefixFold("CUTOIL", upper), hasPrefixFold("CUT_OIL", upper):
		return CutOilOut{}, true
	case hasPrefixFold("CONNECTOIL", upper), hasPrefixFold("CONNECT_OIL", upper):
		return ConnectOilOut{}, true
	case hasPrefixFold("LOCATIONREQUEST", upper), hasPrefixFold("LOCATE", upper):
		return LocationRequestOut{}, true
	}
	return nil, false
}

func hasPrefixFold(full, prefix string) bool {
	if len(prefix) == 0 || len(prefix) > len(full) {
		return false
	}
	return full[:len(prefix)] == prefix
}
