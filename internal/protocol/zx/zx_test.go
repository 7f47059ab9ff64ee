package zx

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracksrv/internal/protocol"
)

func fromSpaced(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		panic(err)
	}
	return b
}

func TestLoginAckMatchesWorkedExample(t *testing.T) {
	m := New()
	req := fromSpaced("78 78 0D 01 35 90 00 12 34 56 78 90 00 00 09 85 05 0D 0A")

	stream := m.NewStream()
	frames := stream.Recv(req)
	require.Len(t, frames, 1)
	require.Empty(t, frames[0].Warning)

	imei, ok := m.IMEIFromPacket(frames[0].Packet)
	require.True(t, ok)
	assert.Equal(t, "3590001234567890", imei)

	msg := m.ParseMessage(frames[0].Packet, true)
	assert.Equal(t, "ZX:LOGIN", msg.ProtoID())
	assert.Equal(t, protocol.RespondInline, msg.Respond())

	ack := m.InlineResponse(frames[0].Packet)
	assert.Equal(t, fromSpaced("78 78 05 01 00 01 0D 0A"), ack)
}

func TestTimeSyncReplyShape(t *testing.T) {
	m := New()
	req := fromSpaced("78 78 01 30 0D 0A")

	stream := m.NewStream()
	frames := stream.Recv(req)
	require.Len(t, frames, 1)

	reply := m.InlineResponse(frames[0].Packet)
	require.Len(t, reply, 13)
	assert.Equal(t, byte(0x78), reply[0])
	assert.Equal(t, byte(0x78), reply[1])
	assert.Equal(t, byte(0x07), reply[2])
	assert.Equal(t, byte(cmdTime), reply[3])
	assert.Equal(t, byte(0x0d), reply[11])
	assert.Equal(t, byte(0x0a), reply[12])
}

func TestDeframerRecoversFromLeadingJunk(t *testing.T) {
	m := New()
	stream := m.NewStream()

	junk := []byte{0x11, 0x22, 0x33}
	good := fromSpaced("78 78 01 30 0D 0A")

	frames := stream.Recv(append(junk, good...))
	var warned, got bool
	for _, f := range frames {
		if f.Warning != "" {
			warned = true
		}
		if string(f.Packet) == string(good) {
			got = true
		}
	}
	assert.True(t, warned, "expected a framing warning for the leading junk")
	assert.True(t, got, "expected the valid frame to still be recovered")
}

func TestDeframerIsDeterministicAcrossArbitrarySplits(t *testing.T) {
	whole := append(fromSpaced("78 78 01 30 0D 0A"), fromSpaced("78 78 0D 01 35 90 00 12 34 56 78 90 00 00 09 85 05 0D 0A")...)

	collect := func(chunks [][]byte) [][]byte {
		m := New()
		s := m.NewStream()
		var packets [][]byte
		for _, c := range chunks {
			for _, f := range s.Recv(c) {
				if f.Packet != nil {
					packets = append(packets, f.Packet)
				}
			}
		}
		return packets
	}

	oneShot := collect([][]byte{whole})
	var byteAtATime [][]byte
	for _, b := range whole {
		byteAtATime = append(byteAtATime, []byte{b})
	}
	split := collect(byteAtATime)

	require.Equal(t, len(oneShot), len(split))
	for i := range oneShot {
		assert.Equal(t, oneShot[i], split[i])
	}
}

func TestOversizeBufferIsDroppedAndConnectionRecovers(t *testing.T) {
	m := New()
	stream := m.NewStream()

	junk := make([]byte, MaxBuffer+100)
	for i := range junk {
		junk[i] = byte(i % 251)
	}
	frames := stream.Recv(junk)
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[len(frames)-1].Warning, "MAXBUFFER")

	good := fromSpaced("78 78 01 30 0D 0A")
	frames = stream.Recv(good)
	require.Len(t, frames, 1)
	assert.Equal(t, good, frames[0].Packet)
}

func TestCoordFlagSignConventions(t *testing.T) {
	valid, lonSign, latSign, heading := decodeCoordFlags(1<<3 | 1<<4 | 0<<5 | (45 << 6))
	assert.True(t, valid)
	assert.Equal(t, -1, lonSign)
	assert.Equal(t, -1, latSign)
	assert.Equal(t, 45, heading)

	_, lonSign2, latSign2, _ := decodeCoordFlags(1 << 5)
	assert.Equal(t, 1, lonSign2)
	assert.Equal(t, 1, latSign2)
}

func TestWifiPositioningOutEncodesASCIICoordinates(t *testing.T) {
	out := WifiPositioningOut{}
	packet, err := out.BuildOut(map[string]interface{}{"latitude": 53.527, "longitude": 12.7})
	require.NoError(t, err)
	assert.Equal(t, byte(cmdWifiPositioning), packet[3])

	payload := packet[4 : len(packet)-2]
	assert.Equal(t, "+53.527,+12.7", string(payload))
}

func TestBCDIMEIRoundTrips(t *testing.T) {
	imei := "3590001234567890"
	assert.Equal(t, imei, decodeBCDIMEI(encodeBCDIMEI(imei)))
}
