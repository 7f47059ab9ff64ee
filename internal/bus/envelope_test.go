package bus

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcastRoundTrip(t *testing.T) {
	want := Bcast{
		IsIncoming: true,
		Proto:      "zx303",
		IMEI:       "123456789012345",
		When:       time.Unix(1700000000, 0),
		PeerAddr:   &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 5023},
		Packet:     []byte{0x78, 0x78, 0x01, 0x02, 0x0d, 0x0a},
	}

	got, err := UnpackBcast(want.Pack())
	require.NoError(t, err)

	assert.Equal(t, want.IsIncoming, got.IsIncoming)
	assert.Equal(t, want.Proto, got.Proto)
	assert.Equal(t, want.IMEI, got.IMEI)
	assert.Equal(t, want.When.Unix(), got.When.Unix())
	assert.Equal(t, want.PeerAddr.IP.To4().String(), got.PeerAddr.IP.To4().String())
	assert.Equal(t, want.PeerAddr.Port, got.PeerAddr.Port)
	assert.Equal(t, want.Packet, got.Packet)
}

func TestBcastWithNoIMEIRoundTrips(t *testing.T) {
	want := Bcast{Proto: "zx303", When: time.Unix(1, 0), Packet: []byte("x")}
	got, err := UnpackBcast(want.Pack())
	require.NoError(t, err)
	assert.Equal(t, "", got.IMEI)
}

func TestRespRoundTrip(t *testing.T) {
	want := Resp{IMEI: "123456789012345", When: time.Unix(1700000000, 0), Packet: []byte{0x78, 0x78}}
	got, err := UnpackResp(want.Pack())
	require.NoError(t, err)
	assert.Equal(t, want.IMEI, got.IMEI)
	assert.Equal(t, want.Packet, got.Packet)
}

func TestReptRoundTrip(t *testing.T) {
	want := Rept{IMEI: "123456789012345", Payload: `{"lat":1.5,"lon":2.5}`}
	got, err := UnpackRept(want.Pack())
	require.NoError(t, err)
	assert.Equal(t, want.IMEI, got.IMEI)
	assert.Equal(t, want.Payload, got.Payload)
}

func TestTopicSharesPrefixAcrossScopes(t *testing.T) {
	wide := Topic("zx303", true, "")
	scoped := Topic("zx303", true, "123456789012345")
	assert.True(t, len(scoped) > len(wide))
	assert.Equal(t, wide, scoped[:len(wide)])
}

func TestUnpackBcastRejectsShortBuffer(t *testing.T) {
	_, err := UnpackBcast([]byte{1, 2, 3})
	assert.Error(t, err)
}
