// Package collector implements the TCP front door: it owns every tracker
// socket, sniffs and binds each connection to a protocol module, routes
// frames by IMEI, and bridges the wire to the internal bus.
//
// The reference implementation runs one cooperative event loop driven by
// a zmq.Poller over both the pull socket and the listening fd. Go's
// netpoller already gives every blocking call (Accept, Read, Write) that
// same non-blocking-under-the-hood behavior, so here each connection gets
// its own goroutine for reads, funneling everything through channels
// into a single loop goroutine that is the only thing that ever touches
// the client registry. That keeps the "no locks inside a component"
// invariant without hand-rolling a poller.
package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"tracksrv/internal/bus"
	"tracksrv/internal/config"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
)

// Client is one accepted tracker socket plus the state bound to it over
// its lifetime: the protocol module sniffed from its first bytes, the
// deframer that owns its rolling buffer, and the IMEI learned at LOGIN.
type Client struct {
	id       uint64
	conn     net.Conn
	peerAddr *net.TCPAddr
	pmod     protocol.Module
	stream   protocol.Stream
	imei     string
}

// segment is one readLoop delivery: either data read from the socket, or
// a terminal error (including io.EOF) that should close the client.
type segment struct {
	id   uint64
	data []byte
	err  error
}

// warner is implemented by Msg kinds that can carry a non-fatal decode
// anomaly worth logging (see zx.Status's STATUS length-convention quirk).
type warner interface{ Warning() string }

// publisher and pullSocket narrow *bus.Publisher/*bus.Puller down to what
// the collector actually calls, so tests can substitute in-memory fakes
// instead of binding real zmq sockets.
type publisher interface {
	Publish(topic, payload []byte) error
	Close() error
}

type pullSocket interface {
	Recv() ([]byte, error)
	Close() error
}

// Collector owns the TCP listener, every device connection, and the two
// bus endpoints (publish out, pull in) that connect it to the rest of
// the system.
type Collector struct {
	log      *logging.Logger
	listener net.Listener
	registry *protocol.Registry
	pub      publisher
	pull     pullSocket

	byID   map[uint64]*Client
	byIMEI map[string]*Client
	nextID uint64

	segments chan segment
	accepts  chan net.Conn
	resps    chan bus.Resp
}

// New binds the TCP listener and both bus endpoints. Nothing is accepted
// or read until Run is called.
func New(ctx context.Context, cfg *config.Settings, registry *protocol.Registry) (*Collector, error) {
	ln, err := net.Listen("tcp", cfg.CollectorListenAddr)
	if err != nil {
		return nil, fmt.Errorf("collector: listen %s: %w", cfg.CollectorListenAddr, err)
	}
	pub, err := bus.NewPublisher(ctx, cfg.CollectorPublishAddr)
	if err != nil {
		ln.Close()
		return nil, err
	}
	puller, err := bus.NewPuller(ctx, cfg.CollectorPullAddr)
	if err != nil {
		ln.Close()
		pub.Close()
		return nil, err
	}
	return &Collector{
		log:      logging.New("collector"),
		listener: ln,
		registry: registry,
		pub:      pub,
		pull:     puller,
		byID:     make(map[uint64]*Client),
		byIMEI:   make(map[string]*Client),
		segments: make(chan segment, 64),
		accepts:  make(chan net.Conn, 16),
		resps:    make(chan bus.Resp, 64),
	}, nil
}

// Run drives the event loop until ctx is cancelled. It never returns an
// error on a clean shutdown; per-client and per-message errors are
// logged and recovered from, never fatal.
func (c *Collector) Run(ctx context.Context) error {
	defer c.shutdown()

	go c.acceptLoop(ctx)
	go c.pullLoop(ctx)

	c.log.Info("listening on %s", c.listener.Addr())

	// The reference loop polls with a bounded 1s timeout purely so it
	// periodically revisits its poller registrations; select already
	// wakes immediately on any of these channels; ticker just bounds how
	// long Run can sit idle, mirroring that same timeout.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-c.accepts:
			c.handleAccept(conn)
		case seg := <-c.segments:
			c.handleSegment(seg)
		case resp := <-c.resps:
			c.handleResp(resp)
		case <-ticker.C:
		}
	}
}

func (c *Collector) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				c.log.Error("accept: %v", err)
				return
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}
		select {
		case c.accepts <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (c *Collector) pullLoop(ctx context.Context) {
	for {
		raw, err := c.pull.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				c.log.Error("pull recv: %v", err)
				continue
			}
		}
		resp, err := bus.UnpackResp(raw)
		if err != nil {
			c.log.Warn("%v", err)
			continue
		}
		select {
		case c.resps <- resp:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) readLoop(id uint64, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			c.segments <- segment{id: id, data: data}
		}
		if err != nil {
			c.segments <- segment{id: id, err: err}
			return
		}
	}
}

func (c *Collector) handleAccept(conn net.Conn) {
	c.nextID++
	id := c.nextID
	peer, _ := conn.RemoteAddr().(*net.TCPAddr)
	cl := &Client{id: id, conn: conn, peerAddr: peer}
	c.byID[id] = cl
	c.log.Conn("→", "accepted fd %d from %s", id, conn.RemoteAddr())
	go c.readLoop(id, conn)
}

func (c *Collector) handleSegment(seg segment) {
	cl, ok := c.byID[seg.id]
	if !ok {
		return // already closed; ignore the stray event
	}
	if seg.err != nil {
		c.log.Info("EOF reading fd %d (IMEI %s): %v", cl.id, cl.imei, seg.err)
		c.closeClient(cl)
		return
	}

	if cl.pmod == nil {
		pmod, ok := c.registry.Probe(seg.data)
		if !ok {
			c.log.Info("unrecognizable %d bytes from fd %d", len(seg.data), cl.id)
			return
		}
		cl.pmod = pmod
		cl.stream = pmod.NewStream()
	}

	when := time.Now()
	for _, frame := range cl.stream.Recv(seg.data) {
		if frame.Warning != "" {
			c.log.Warn("fd %d (IMEI %s): %s", cl.id, cl.imei, frame.Warning)
		}
		if frame.Packet != nil {
			c.handleFrame(cl, frame.Packet, when)
		}
	}
}

func (c *Collector) handleFrame(cl *Client, packet []byte, when time.Time) {
	if cl.imei == "" {
		if imei, ok := cl.pmod.IMEIFromPacket(packet); ok {
			c.log.Info("LOGIN from fd %d (IMEI %s)", cl.id, imei)
			if old, exists := c.byIMEI[imei]; exists && old != cl {
				c.log.Info("evicting stale connection on fd %d for IMEI %s", old.id, imei)
				old.imei = ""
				c.closeClient(old)
			}
			cl.imei = imei
			c.byIMEI[imei] = cl
		}
	}

	c.publish(bus.Bcast{
		IsIncoming: true,
		Proto:      cl.pmod.ProtoOfMessage(packet),
		IMEI:       cl.imei,
		When:       when,
		PeerAddr:   cl.peerAddr,
		Packet:     packet,
	})

	if msg := cl.pmod.ParseMessage(packet, true); msg != nil {
		if w, ok := msg.(warner); ok {
			if warning := w.Warning(); warning != "" {
				c.log.Warn("fd %d (IMEI %s): %s", cl.id, cl.imei, warning)
			}
		}
	}

	if cl.pmod.IsGoodbyePacket(packet) {
		c.log.Info("goodbye from fd %d (IMEI %s)", cl.id, cl.imei)
		c.closeClient(cl)
		return
	}

	if reply := cl.pmod.InlineResponse(packet); reply != nil {
		c.send(cl, reply, time.Now())
	}
}

// handleResp delivers a Resp pushed by the rectifier, termconfig or the
// operator "send" CLI. The original when is preserved on the outgoing
// Bcast, not the time this call runs.
func (c *Collector) handleResp(resp bus.Resp) {
	cl, ok := c.byIMEI[resp.IMEI]
	if !ok {
		c.log.Info("not connected (IMEI %s)", resp.IMEI)
		return
	}
	c.send(cl, resp.Packet, resp.When)
}

// send writes an already-built reply packet (framed by the module's
// InlineResponse or by an OutBuilder) to the device, then publishes the
// matching outgoing Bcast. Enframe is still called first: for BS it
// re-stamps the real IMEI into the placeholder header packBS leaves in
// place; for ZX it is a no-op, since ZX replies arrive already fully
// framed and carry no per-frame IMEI to restamp.
func (c *Collector) send(cl *Client, packet []byte, when time.Time) {
	framed := cl.pmod.Enframe(packet, cl.imei)
	if _, err := cl.conn.Write(framed); err != nil {
		c.log.Error("writing to fd %d (IMEI %s): %v", cl.id, cl.imei, err)
		c.closeClient(cl)
		return
	}
	c.publish(bus.Bcast{
		IsIncoming: false,
		Proto:      cl.pmod.ProtoOfMessage(packet),
		IMEI:       cl.imei,
		When:       when,
		PeerAddr:   cl.peerAddr,
		Packet:     packet,
	})
}

func (c *Collector) publish(b bus.Bcast) {
	topic := bus.Topic(b.Proto, b.IsIncoming, b.IMEI)
	if err := c.pub.Publish(topic, b.Pack()); err != nil {
		c.log.Error("publish: %v", err)
	}
}

// closeClient tears a connection down and unwinds its registry entries.
// The caller is responsible for clearing cl.imei beforehand when this
// close is an eviction, so the stale entry being removed here doesn't
// clobber the new owner's byIMEI entry.
func (c *Collector) closeClient(cl *Client) {
	c.log.Info("stop serving fd %d (IMEI %s)", cl.id, cl.imei)
	cl.conn.Close()
	if cl.stream != nil {
		if rest := cl.stream.Close(); len(rest) > 0 {
			c.log.Warn("fd %d: %d bytes discarded on close", cl.id, len(rest))
		}
	}
	if cl.imei != "" {
		if cur, ok := c.byIMEI[cl.imei]; ok && cur == cl {
			delete(c.byIMEI, cl.imei)
		}
	}
	delete(c.byID, cl.id)
}

func (c *Collector) shutdown() error {
	for _, cl := range c.byID {
		cl.conn.Close()
	}
	c.listener.Close()
	c.pull.Close()
	return c.pub.Close()
}
