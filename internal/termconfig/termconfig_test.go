package termconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracksrv/internal/bus"
	"tracksrv/internal/config"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
	"tracksrv/internal/protocol/zx"
)

type fakePusher struct {
	pushed []bus.Resp
	err    error
}

func (f *fakePusher) Push(payload []byte) error {
	if f.err != nil {
		return f.err
	}
	r, err := bus.UnpackResp(payload)
	if err != nil {
		return err
	}
	f.pushed = append(f.pushed, r)
	return nil
}

func (f *fakePusher) Close() error { return nil }

func newTestTermconfig(t *testing.T, store *config.DeviceStore) (*Termconfig, *fakePusher) {
	t.Helper()
	push := &fakePusher{}
	return &Termconfig{
		log:      logging.New("termconfig-test"),
		pusher:   push,
		registry: protocol.NewRegistry(zx.New()),
		store:    store,
	}, push
}

func emptyStore(t *testing.T) *config.DeviceStore {
	t.Helper()
	store, err := config.LoadDeviceStore(t.TempDir() + "/devices.yaml")
	require.NoError(t, err)
	return store
}

func TestHandleStatusDefaultsIntervalWhenUnconfigured(t *testing.T) {
	store := emptyStore(t)
	tc, push := newTestTermconfig(t, store)

	bc := bus.Bcast{IsIncoming: true, Proto: "ZX:STATUS", IMEI: "3590001234567890", When: time.Now()}
	tc.handle(bc.Pack())

	require.Len(t, push.pushed, 1)
	assert.Equal(t, "3590001234567890", push.pushed[0].IMEI)
	assert.NotEmpty(t, push.pushed[0].Packet)
}

func TestHandleStatusHonorsPerIMEIOverride(t *testing.T) {
	store := emptyStore(t)
	require.NoError(t, store.Set("3590001234567890", "statusintervalminutes", 10))
	tc, push := newTestTermconfig(t, store)

	bc := bus.Bcast{IsIncoming: true, Proto: "ZX:STATUS", IMEI: "3590001234567890", When: time.Now()}
	tc.handle(bc.Pack())

	require.Len(t, push.pushed, 1)

	kwargs := tc.configFor("ZX:STATUS", "3590001234567890")
	assert.Equal(t, 10, kwargs["statusintervalminutes"])
}

func TestConfigForRestrictsKeysToMessageKind(t *testing.T) {
	store := emptyStore(t)
	require.NoError(t, store.Set(config.DefaultSection, "statusintervalminutes", 30))
	require.NoError(t, store.Set(config.DefaultSection, "uploadintervalseconds", 60))
	tc, _ := newTestTermconfig(t, store)

	statusArgs := tc.configFor("ZX:STATUS", "3590001234567890")
	assert.Equal(t, 30, statusArgs["statusintervalminutes"])
	assert.NotContains(t, statusArgs, "uploadintervalseconds")

	intervalArgs := tc.configFor("ZX:POSITION_UPLOAD_INTERVAL", "3590001234567890")
	assert.Equal(t, 60, intervalArgs["uploadintervalseconds"])
	assert.NotContains(t, intervalArgs, "statusintervalminutes")
}

func TestHandleIgnoresUnparseableProto(t *testing.T) {
	store := emptyStore(t)
	tc, push := newTestTermconfig(t, store)

	bc := bus.Bcast{IsIncoming: true, Proto: "ZX:UNKNOWN_KIND", IMEI: "3590001234567890", When: time.Now()}
	tc.handle(bc.Pack())

	assert.Empty(t, push.pushed)
}
