package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tracksrv/internal/bus"
	"tracksrv/internal/logging"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Event{}, &Report{}, &PmodMap{}))
	return &Storage{
		log:          logging.New("storage-test"),
		db:           db,
		recordEvents: true,
	}
}

func TestHandleRawInsertsEventAndBumpsPmodMap(t *testing.T) {
	s := newTestStorage(t)

	bc := bus.Bcast{
		IsIncoming: true,
		Proto:      "ZX:LOGIN",
		IMEI:       "3590001234567890",
		When:       time.Unix(1700000000, 0),
		Packet:     []byte{0x01, 0x02},
	}
	s.handleRaw(bc.Pack())

	var events []Event
	require.NoError(t, s.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "3590001234567890", events[0].IMEI)

	var pm PmodMap
	require.NoError(t, s.db.First(&pm, "imei = ?", "3590001234567890").Error)
	assert.Equal(t, "ZX", pm.Pmod)
}

func TestHandleRawIsIdempotentOnDuplicateDelivery(t *testing.T) {
	s := newTestStorage(t)

	bc := bus.Bcast{Proto: "ZX:HEARTBEAT", IMEI: "3590001234567890", When: time.Unix(1700000001, 0), Packet: []byte{0x02}}
	s.handleRaw(bc.Pack())
	s.handleRaw(bc.Pack())

	var count int64
	require.NoError(t, s.db.Model(&Event{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHandleReptInsertsLocationReport(t *testing.T) {
	s := newTestStorage(t)

	rept := bus.Rept{
		IMEI: "3590001234567890",
		Payload: `{"type":"location","devtime":"2023-11-14T22:13:20Z",` +
			`"latitude":53.5,"longitude":12.7,"accuracy":25.0}`,
	}
	s.handleRept(rept.Pack())

	var reports []Report
	require.NoError(t, s.db.Find(&reports).Error)
	require.Len(t, reports, 1)
	assert.Equal(t, 53.5, reports[0].Latitude)
	assert.Equal(t, 12.7, reports[0].Longitude)
	require.NotNil(t, reports[0].Accuracy)
	assert.Equal(t, 25.0, *reports[0].Accuracy)
}

func TestHandleReptIgnoresNonLocationReports(t *testing.T) {
	s := newTestStorage(t)

	rept := bus.Rept{IMEI: "3590001234567890", Payload: `{"type":"status","battery_percentage":80}`}
	s.handleRept(rept.Pack())

	var count int64
	require.NoError(t, s.db.Model(&Report{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
