package opencellid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracksrv/internal/protocol"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(":memory:")
	require.NoError(t, b.Init())
	t.Cleanup(func() { b.Shut() })

	require.NoError(t, b.db.Exec(`create table cells (
		mcc integer, area integer, cell integer, lat real, lon real, range integer
	)`).Error)
	return b
}

func TestLookupWeightsByInverseRSSI(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.db.Exec(
		`insert into cells (mcc, area, cell, lat, lon, range) values
		 (262, 1, 100, 53.0, 12.0, 500),
		 (262, 1, 200, 54.0, 13.0, 1000)`).Error)

	lat, lon, accuracy, err := b.Lookup(262, 1, []protocol.GSMCell{
		{Area: 1, Cell: 100, RSSI: 10},
		{Area: 1, Cell: 200, RSSI: 20},
	}, nil)
	require.NoError(t, err)

	// weight(100) = (1/10)/(1/10+1/20) = 2/3, weight(200) = 1/3
	assert.InDelta(t, 53.0*2.0/3.0+54.0*1.0/3.0, lat, 1e-6)
	assert.InDelta(t, 12.0*2.0/3.0+13.0*1.0/3.0, lon, 1e-6)
	assert.InDelta(t, 500.0*2.0/3.0+1000.0*1.0/3.0, accuracy, 1e-6)
}

func TestLookupErrorsWhenNoCellsGiven(t *testing.T) {
	b := newTestBackend(t)
	_, _, _, err := b.Lookup(262, 1, nil, nil)
	assert.Error(t, err)
}

func TestLookupErrorsWhenNoMatchFound(t *testing.T) {
	b := newTestBackend(t)
	_, _, _, err := b.Lookup(262, 1, []protocol.GSMCell{{Area: 9, Cell: 9, RSSI: 5}}, nil)
	assert.Error(t, err)
}

// TestLookupScenario3Fixture exercises the Wi-Fi positioning worked
// example's three cells (area 24420, cells 16594/36243/17012) and checks
// the resolved fix lands in the expected box.
func TestLookupScenario3Fixture(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.db.Exec(`insert into cells (mcc, area, cell, lat, lon, range) values
		(262, 24420, 16594, 53.522, 12.68, 300),
		(262, 24420, 36243, 53.528, 12.72, 300),
		(262, 24420, 17012, 53.525, 12.70, 300)`).Error)

	lat, lon, _, err := b.Lookup(262, 3, []protocol.GSMCell{
		{Area: 24420, Cell: 16594, RSSI: 10},
		{Area: 24420, Cell: 36243, RSSI: 12},
		{Area: 24420, Cell: 17012, RSSI: 8},
	}, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, lat, 53.52)
	assert.LessOrEqual(t, lat, 53.53)
	assert.GreaterOrEqual(t, lon, 12.66)
	assert.LessOrEqual(t, lon, 12.75)
}

func TestLookupIgnoresWifiAPs(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.db.Exec(
		`insert into cells (mcc, area, cell, lat, lon, range) values (262, 1, 100, 53.0, 12.0, 500)`).Error)

	lat, lon, _, err := b.Lookup(262, 1,
		[]protocol.GSMCell{{Area: 1, Cell: 100, RSSI: 10}},
		[]protocol.WifiAP{{MAC: "aa:bb:cc:dd:ee:ff", RSSI: -40}})
	require.NoError(t, err)
	assert.InDelta(t, 53.0, lat, 1e-6)
	assert.InDelta(t, 12.0, lon, 1e-6)
}
