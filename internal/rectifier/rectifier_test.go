package rectifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracksrv/internal/bus"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
	"tracksrv/internal/protocol/zx"
)

type fakeBackend struct {
	lat, lon, accuracy float64
	err                error
}

func (f fakeBackend) Init() error { return nil }
func (f fakeBackend) Shut() error { return nil }

func (f fakeBackend) Lookup(mcc, mnc int, cells []protocol.GSMCell, aps []protocol.WifiAP) (float64, float64, float64, error) {
	return f.lat, f.lon, f.accuracy, f.err
}

type fakePusher struct {
	pushed []bus.Resp
}

func (f *fakePusher) Push(payload []byte) error {
	r, err := bus.UnpackResp(payload)
	if err != nil {
		return err
	}
	f.pushed = append(f.pushed, r)
	return nil
}

func (f *fakePusher) Close() error { return nil }

type fakePublisher struct {
	published []bus.Rept
}

func (f *fakePublisher) Publish(topic, payload []byte) error {
	r, err := bus.UnpackRept(payload)
	if err != nil {
		return err
	}
	f.published = append(f.published, r)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

// newTestRectifier wires a Rectifier directly from fakes, bypassing New's
// bus dialing, the same way termconfig_test.go builds its component under
// test.
func newTestRectifier(backend Backend) (*Rectifier, *fakePusher, *fakePublisher) {
	push := &fakePusher{}
	pub := &fakePublisher{}
	return &Rectifier{
		log:      logging.New("rectifier-test"),
		pusher:   push,
		pub:      pub,
		registry: protocol.NewRegistry(zx.New()),
		backend:  backend,
	}, push, pub
}

func scenario3Cells() []protocol.GSMCell {
	return []protocol.GSMCell{
		{Area: 24420, Cell: 16594, RSSI: 10},
		{Area: 24420, Cell: 36243, RSSI: 12},
		{Area: 24420, Cell: 17012, RSSI: 8},
	}
}

// TestResolveHintPreservesTriggeringBcastWhen is the response-preservation
// invariant: the Resp pushed back to the collector must carry the when of
// the Bcast that triggered it, not the time resolveHint happens to run at.
func TestResolveHintPreservesTriggeringBcastWhen(t *testing.T) {
	r, push, pub := newTestRectifier(fakeBackend{lat: 53.525, lon: 12.7, accuracy: 500})

	triggeredAt := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	bc := bus.Bcast{
		IsIncoming: true,
		Proto:      "ZX:WIFI_POSITIONING",
		IMEI:       "3590001234567890",
		When:       triggeredAt,
	}
	hint := protocol.HintReport{
		DevTime: triggeredAt,
		MCC:     262,
		MNC:     3,
		Cells:   scenario3Cells(),
	}

	r.resolveHint(bc, zx.New(), hint)

	require.Len(t, push.pushed, 1)
	assert.True(t, push.pushed[0].When.Equal(triggeredAt),
		"pushed Resp.When = %v, want the triggering Bcast.When %v (not time.Now())", push.pushed[0].When, triggeredAt)
	assert.Equal(t, bc.IMEI, push.pushed[0].IMEI)

	require.Len(t, pub.published, 1)
	assert.Equal(t, bc.IMEI, pub.published[0].IMEI)
}

// TestResolveHintSkipsPushWhenNoExternalAnswerNeeded covers the other half
// of step 4: WIFI_OFFLINE_POSITIONING answers inline at the collector, so
// the rectifier must not also push a Resp for it, even though it still
// resolves and publishes the coordinates.
func TestResolveHintSkipsPushWhenNoExternalAnswerNeeded(t *testing.T) {
	r, push, pub := newTestRectifier(fakeBackend{lat: 53.525, lon: 12.7, accuracy: 500})

	bc := bus.Bcast{
		IsIncoming: true,
		Proto:      "ZX:WIFI_OFFLINE_POSITIONING",
		IMEI:       "3590001234567890",
		When:       time.Now(),
	}
	hint := protocol.HintReport{DevTime: bc.When, MCC: 262, MNC: 3, Cells: scenario3Cells()}

	r.resolveHint(bc, zx.New(), hint)

	assert.Empty(t, push.pushed)
	require.Len(t, pub.published, 1)
}
