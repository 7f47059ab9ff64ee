package bs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracksrv/internal/protocol"
)

// frame builds a well-formed BS wire frame for proto/payload, the same
// layout packBS produces for outgoing commands.
func frame(imei, proto, payload string) []byte {
	body := proto
	if payload != "" {
		body = proto + "," + payload
	}
	return []byte(fmt.Sprintf("[LT*%s*%04X*%s]", imei, len(body), body))
}

func TestProbeBufferMatchesFrameHeader(t *testing.T) {
	m := New()
	assert.True(t, m.ProbeBuffer(frame("3590001234", "LK", "0,0,100")))
	assert.False(t, m.ProbeBuffer([]byte("78 78 junk")))
}

func TestLKRoundTripsAndAcksInline(t *testing.T) {
	m := New()
	req := frame("3590001234", "LK", "1,2,90")

	stream := m.NewStream()
	frames := stream.Recv(req)
	require.Len(t, frames, 1)
	require.Empty(t, frames[0].Warning)

	imei, ok := m.IMEIFromPacket(frames[0].Packet)
	require.True(t, ok)
	assert.Equal(t, "3590001234", imei)

	msg := m.ParseMessage(frames[0].Packet, true)
	assert.Equal(t, "BS:LK", msg.ProtoID())
	assert.Equal(t, protocol.RespondInline, msg.Respond())

	ack := m.InlineResponse(frames[0].Packet)
	assert.Equal(t, frame("0000000000", "LK", ""), ack)
}

func TestUDDecodesValidFixIntoCoordReport(t *testing.T) {
	m := New()
	fields := strings.Join([]string{
		"010124", "120000", "A", "53.527", "N", "12.7", "E",
		"0", "0", "0", "8", "80", "90", "0", "0", "0",
		"0", "0", "262", "01",
		"0",
	}, ",")
	req := frame("3590001234", "UD", fields)

	stream := m.NewStream()
	frames := stream.Recv(req)
	require.Len(t, frames, 1)

	msg := m.ParseMessage(frames[0].Packet, true)
	loc, ok := msg.(LocData)
	require.True(t, ok)
	assert.True(t, loc.GPSValid)

	cr, sr, hr := loc.Rectified()
	require.NotNil(t, cr)
	assert.Nil(t, sr)
	assert.Nil(t, hr)
	assert.InDelta(t, 53.527, cr.Latitude, 1e-9)
	assert.InDelta(t, 12.7, cr.Longitude, 1e-9)
}

func TestUDWithNoFixReportsHint(t *testing.T) {
	m := New()
	fields := strings.Join([]string{
		"010124", "120000", "V", "0", "N", "0", "E",
		"0", "0", "0", "0", "80", "90", "0", "0", "0",
		"1", "0", "262", "01",
		"100", "200", "30",
		"0",
	}, ",")
	req := frame("3590001234", "UD", fields)

	stream := m.NewStream()
	frames := stream.Recv(req)
	require.Len(t, frames, 1)

	msg := m.ParseMessage(frames[0].Packet, true)
	loc, ok := msg.(LocData)
	require.True(t, ok)
	assert.False(t, loc.GPSValid)

	cr, sr, hr := loc.Rectified()
	assert.Nil(t, cr)
	assert.Nil(t, sr)
	require.NotNil(t, hr)
	require.Len(t, hr.Cells, 1)
	assert.Equal(t, 100, hr.Cells[0].Area)
}

func TestDeframerIsDeterministicAcrossArbitrarySplits(t *testing.T) {
	whole := append(frame("3590001234", "LK", "0,0,100"), frame("3590001234", "TKQ", "")...)

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

func TestClassByPrefixResolvesUniquePrefixAndExactMatch(t *testing.T) {
	m := New()

	_, ok := m.ClassByPrefix("FLO")
	assert.True(t, ok, "FLO uniquely identifies FLOWER")

	builder, ok := m.ClassByPrefix("SOS")
	require.True(t, ok, "SOS is an exact match despite also prefixing SOS1/SOS2/SOS3")
	_, isPlainSOS := builder.(SOSOut)
	assert.True(t, isPlainSOS)

	_, ok = m.ClassByPrefix("NOPE")
	assert.False(t, ok)
}

func TestFLOWEROutEncodesMinuteCount(t *testing.T) {
	out := FLOWEROut{}
	packet, err := out.BuildOut(map[string]interface{}{"number": 5})
	require.NoError(t, err)
	assert.Equal(t, frame("0000000000", "FLOWER", "5"), packet)
}
