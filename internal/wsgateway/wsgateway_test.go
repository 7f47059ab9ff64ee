package wsgateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
	"tracksrv/internal/protocol/zx"
	"tracksrv/internal/storage"
)

type fakePusher struct {
	pushed [][]byte
	err    error
}

func (f *fakePusher) Push(payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, payload)
	return nil
}

func (f *fakePusher) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *fakePusher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&storage.Event{}, &storage.Report{}, &storage.PmodMap{}))

	pusher := &fakePusher{}
	s := &Server{
		log:      logging.New("wsgateway-test"),
		registry: protocol.NewRegistry(zx.New()),
		db:       db,
		pusher:   pusher,
	}
	return s, pusher
}

func TestSendcmdRejectsMissingFields(t *testing.T) {
	s, _ := newTestServer(t)
	reply := s.sendcmd("", "STATUS", map[string]interface{}{})
	assert.Equal(t, "did not get imei or cmd", reply["result"])
}

func TestSendcmdRejectsUnknownPmod(t *testing.T) {
	s, _ := newTestServer(t)
	reply := s.sendcmd("3590001234567890", "STATUS", map[string]interface{}{})
	assert.Equal(t, "type of the terminal is unknown", reply["result"])
}

func TestSendcmdBuildsAndPushesPacket(t *testing.T) {
	s, pusher := newTestServer(t)
	require.NoError(t, s.db.Create(&storage.PmodMap{IMEI: "3590001234567890", Pmod: "ZX", Tstamp: time.Now()}).Error)

	reply := s.sendcmd("3590001234567890", "STATUS", map[string]interface{}{"type": "STATUS", "imei": "3590001234567890"})

	assert.Equal(t, "STATUS sent to 3590001234567890", reply["result"])
	require.Len(t, pusher.pushed, 1)
}

func TestSendcmdIgnoresStalePmodEntry(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.db.Create(&storage.PmodMap{
		IMEI:   "3590001234567890",
		Pmod:   "ZX",
		Tstamp: time.Now().Add(-2 * storage.PmodTTL),
	}).Error)

	reply := s.sendcmd("3590001234567890", "STATUS", map[string]interface{}{})
	assert.Equal(t, "type of the terminal is unknown", reply["result"])
}

func TestBacklogReplaysOldestFirst(t *testing.T) {
	s, _ := newTestServer(t)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.db.Create(&storage.Report{
			IMEI:      "3590001234567890",
			DevTime:   base.Add(time.Duration(i) * time.Minute),
			Latitude:  53.5,
			Longitude: 12.7,
		}).Error)
	}

	entries, err := s.backlog("3590001234567890", 5)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].DevTime < entries[1].DevTime)
	assert.True(t, entries[1].DevTime < entries[2].DevTime)
}

func TestBacklogDefaultsLimitWhenNonPositive(t *testing.T) {
	s, _ := newTestServer(t)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < defaultBacklog+2; i++ {
		require.NoError(t, s.db.Create(&storage.Report{
			IMEI:      "3590001234567890",
			DevTime:   base.Add(time.Duration(i) * time.Minute),
			Latitude:  53.5,
			Longitude: 12.7,
		}).Error)
	}

	entries, err := s.backlog("3590001234567890", 0)
	require.NoError(t, err)
	assert.Len(t, entries, defaultBacklog)
}
