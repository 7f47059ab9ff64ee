package collector

import (
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracksrv/internal/bus"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
	"tracksrv/internal/protocol/zx"
)

func fromSpaced(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

// fakePublisher records every Bcast published instead of writing to a
// real zmq socket, so tests can assert on what the collector published
// without binding network ports.
type fakePublisher struct {
	published []bus.Bcast
}

func (f *fakePublisher) Publish(topic, payload []byte) error {
	b, err := bus.UnpackBcast(payload)
	if err != nil {
		return err
	}
	f.published = append(f.published, b)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type blockingPuller struct{}

func (blockingPuller) Recv() ([]byte, error) { select {} }
func (blockingPuller) Close() error          { return nil }

func newTestCollector(pub *fakePublisher) *Collector {
	return &Collector{
		log:      logging.New("collector-test"),
		registry: protocol.NewRegistry(zx.New()),
		pub:      pub,
		pull:     blockingPuller{},
		byID:     make(map[uint64]*Client),
		byIMEI:   make(map[string]*Client),
		segments: make(chan segment, 16),
		accepts:  make(chan net.Conn, 4),
		resps:    make(chan bus.Resp, 4),
	}
}

// feed writes a frame to the device side of a pipe and drives the
// corresponding segment through handleSegment once the collector's
// readLoop goroutine has picked it up.
func feed(t *testing.T, c *Collector, device net.Conn, frame []byte) {
	t.Helper()
	_, err := device.Write(frame)
	require.NoError(t, err)
	select {
	case seg := <-c.segments:
		c.handleSegment(seg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
}

const loginFrame = "78 78 0D 01 35 90 00 12 34 56 78 90 00 00 09 85 05 0D 0A"

func TestLoginBindsIMEIAndAcksInline(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCollector(pub)

	device, server := net.Pipe()
	defer device.Close()
	c.handleAccept(server)

	go func() {
		// drain whatever the collector writes back so Write doesn't block
		buf := make([]byte, 64)
		device.Read(buf)
	}()

	feed(t, c, device, fromSpaced(t, loginFrame))

	cl, ok := c.byIMEI["3590001234567890"]
	require.True(t, ok)
	assert.Equal(t, "3590001234567890", cl.imei)
	require.Len(t, pub.published, 2)
	assert.True(t, pub.published[0].IsIncoming)
	assert.Equal(t, "ZX:LOGIN", pub.published[0].Proto)
}

func TestDuplicateLoginEvictsOldConnection(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCollector(pub)

	deviceA, serverA := net.Pipe()
	defer deviceA.Close()
	c.handleAccept(serverA)
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := deviceA.Read(buf); err != nil {
				return
			}
		}
	}()
	feed(t, c, deviceA, fromSpaced(t, loginFrame))

	oldClient, ok := c.byIMEI["3590001234567890"]
	require.True(t, ok)
	require.Equal(t, uint64(1), oldClient.id)

	deviceB, serverB := net.Pipe()
	defer deviceB.Close()
	c.handleAccept(serverB)
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := deviceB.Read(buf); err != nil {
				return
			}
		}
	}()
	feed(t, c, deviceB, fromSpaced(t, loginFrame))

	newClient, ok := c.byIMEI["3590001234567890"]
	require.True(t, ok)
	assert.Equal(t, uint64(2), newClient.id)
	assert.NotSame(t, oldClient, newClient)

	// The evicted client was removed from the fd registry; its imei was
	// cleared before closing so its removal couldn't unbind client B.
	_, stillTracked := c.byID[oldClient.id]
	assert.False(t, stillTracked)
	assert.Empty(t, oldClient.imei)
}

func TestInlineResponseIsWrittenAndPublishedAsOutgoing(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCollector(pub)

	device, server := net.Pipe()
	defer device.Close()
	c.handleAccept(server)

	replies := make(chan []byte, 2)
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := device.Read(buf)
			if n > 0 {
				replies <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	feed(t, c, device, fromSpaced(t, loginFrame))

	select {
	case ack := <-replies:
		assert.Equal(t, fromSpaced(t, "78 78 05 01 00 01 0D 0A"), ack)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for LOGIN ack")
	}

	require.Len(t, pub.published, 2)
	assert.True(t, pub.published[0].IsIncoming)
	assert.False(t, pub.published[1].IsIncoming)
}

func TestUnroutableRespIsDroppedNotFatal(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCollector(pub)

	c.handleResp(bus.Resp{IMEI: "0000000000000001", Packet: []byte("x")})
	assert.Empty(t, pub.published)
}
