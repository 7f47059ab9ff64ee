// Package wsgateway implements the operator-facing websocket server: it
// forwards live rectified reports to subscribed clients, replays recent
// history on subscription, and turns client commands into outbound
// device messages via the collector's pull channel.
package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tracksrv/internal/bus"
	"tracksrv/internal/config"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
	"tracksrv/internal/storage"
)

const defaultBacklog = 5

// clientSendBuffer bounds each client's outbound queue. A client that
// cannot drain this many pending messages is treated as stalled: further
// sends to it are dropped rather than blocking the hub loop.
const clientSendBuffer = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected websocket peer: a wrapper around the raw
// connection plus the set of IMEIs it currently wants live updates for.
// imeis is only ever read or written from the hub's single goroutine, so
// no lock is needed around it; conn is written to only by writePump.
type Client struct {
	conn  *websocket.Conn
	imeis map[string]bool

	// send is this client's outbound buffer. The hub loop only ever
	// enqueues onto it (non-blocking, dropping on overflow); the
	// dedicated writePump goroutine is the only place that may block on
	// the socket, so one stalled browser tab can never stall delivery to
	// every other connected client. Grounded on wsgateway.py's
	// Client.ws_data buffer plus POLLOUT re-arm, translated into the
	// idiomatic Go buffered-channel-plus-writer-goroutine shape.
	send chan []byte
}

func (c *Client) wants(imei string) bool { return c.imeis[imei] }

// subscribeReq and cmdReq are what a client's read goroutine hands to the
// hub loop instead of touching shared state itself.
type subscribeReq struct {
	client  *Client
	imeis   []string
	backlog int
}

type cmdReq struct {
	client *Client
	msg    map[string]interface{}
}

type rectSubscriber interface {
	Recv() (topic, payload []byte, err error)
	Subscribe(topic []byte) error
	Unsubscribe(topic []byte) error
	Close() error
}

type cmdPusher interface {
	Push(payload []byte) error
	Close() error
}

// Server is the ws gateway component, grounded on the teacher's
// WebSocketHub (register/unregister/broadcast channels over
// gorilla/websocket) and generalized from its broadcast-to-everyone model
// into per-client IMEI subscription sets reconciled against the
// rectifier's publish channel, plus backlog replay and command dispatch.
type Server struct {
	log      *logging.Logger
	registry *protocol.Registry
	db       *gorm.DB
	rectSub  rectSubscriber
	pusher   cmdPusher
	htmlFile string
	addr     string
	logHTTP  bool

	register   chan *Client
	unregister chan *Client
	subReqs    chan subscribeReq
	cmdReqs    chan cmdReq
	rectMsgs   chan bus.Rept

	mu      sync.Mutex
	clients map[*Client]bool
}

// New opens a read-only handle onto the event store (the one writable
// handle belongs to storage), subscribes to the rectifier's publish
// channel with no IMEI filter active yet, and connects a pusher to the
// collector's pull address for the command path.
func New(ctx context.Context, cfg *config.Settings, registry *protocol.Registry) (*Server, error) {
	db, err := gorm.Open(sqlite.Open(cfg.StorageDSN+"?mode=ro&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("wsgateway: open %s: %w", cfg.StorageDSN, err)
	}

	// Subscribing with no topics at all would mean "everything" (see
	// bus.NewSubscriber); a sentinel filter that can never prefix-match a
	// real 16-digit IMEI topic keeps the socket idle until a client asks
	// for a specific device, with real per-IMEI filters added later by
	// reconcileSubs.
	sub, err := bus.NewSubscriber(ctx, cfg.RectifierPublishAddr, []byte{0})
	if err != nil {
		return nil, err
	}

	pusher, err := bus.NewPusher(ctx, cfg.CollectorPullAddr)
	if err != nil {
		sub.Close()
		return nil, err
	}

	return &Server{
		log:      logging.New("wsgateway"),
		registry: registry,
		db:       db,
		rectSub:  sub,
		pusher:   pusher,
		htmlFile: cfg.HTMLFile,
		addr:     cfg.WSGatewayAddr,
		logHTTP:  cfg.LogHTTP,

		register:   make(chan *Client),
		unregister: make(chan *Client),
		subReqs:    make(chan subscribeReq),
		cmdReqs:    make(chan cmdReq),
		rectMsgs:   make(chan bus.Rept, 64),

		clients: make(map[*Client]bool),
	}, nil
}

// Run drives the gin HTTP server and the single hub loop until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	if s.logHTTP {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.GET("/", s.serveHTML)
	r.GET("/ws", s.handleWS)

	httpSrv := &http.Server{Addr: s.addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	go s.recvRect(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	activeSubs := map[string]bool{}

	for {
		select {
		case <-ctx.Done():
			httpSrv.Close()
			s.rectSub.Close()
			s.pusher.Close()
			return nil

		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}

		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			n := len(s.clients)
			s.mu.Unlock()
			s.log.Conn("📱", "ws client connected, total %d", n)

		case c := <-s.unregister:
			s.mu.Lock()
			delete(s.clients, c)
			n := len(s.clients)
			s.mu.Unlock()
			c.conn.Close()
			close(c.send)
			s.log.Conn("📱", "ws client disconnected, total %d", n)

		case req := <-s.subReqs:
			s.handleSubscribe(req)

		case req := <-s.cmdReqs:
			s.handleCmd(req)

		case rept := <-s.rectMsgs:
			s.forward(rept)

		case <-ticker.C:
			s.reconcileSubs(activeSubs)
		}
	}
}

func (s *Server) recvRect(ctx context.Context) {
	for {
		_, payload, err := s.rectSub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Error("rect recv: %v", err)
				continue
			}
		}
		rept, err := bus.UnpackRept(payload)
		if err != nil {
			s.log.Warn("%v", err)
			continue
		}
		select {
		case s.rectMsgs <- rept:
		case <-ctx.Done():
			return
		}
	}
}

// forward augments the rectified JSON payload with the owning imei (the
// bus envelope, not the payload, is where it actually travels) and writes
// it to every client currently subscribed to that device.
func (s *Server) forward(rept bus.Rept) {
	var msg map[string]interface{}
	if err := json.Unmarshal([]byte(rept.Payload), &msg); err != nil {
		s.log.Warn("rect payload for IMEI %s: %v", rept.IMEI, err)
		return
	}
	msg["imei"] = rept.IMEI
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal forwarded report: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.wants(rept.IMEI) {
			continue
		}
		s.enqueue(c, data)
	}
}

// enqueue hands data to the client's outbound buffer without ever
// blocking the caller. A client that has not drained clientSendBuffer
// pending messages is stalled; the message is dropped rather than
// backing up the hub loop, so a single slow client cannot stop delivery
// to everyone else.
func (s *Server) enqueue(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		s.log.Warn("ws client send buffer full, dropping message")
	}
}

// writePump is the only goroutine allowed to block on a client's
// connection: it drains the outbound buffer and performs the actual
// write, so a stalled TCP peer only blocks this goroutine, never the hub
// loop fanning reports out to every other client.
func (s *Server) writePump(c *Client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Error("write to client: %v", err)
			c.conn.Close()
		}
	}
}

// reconcileSubs mirrors wsgateway.py's runserver loop: recompute the
// union of every client's wanted IMEIs and subscribe/unsubscribe the
// rectifier feed for exactly the difference against what is currently
// active.
func (s *Server) reconcileSubs(active map[string]bool) {
	needed := map[string]bool{}
	s.mu.Lock()
	for c := range s.clients {
		for imei := range c.imeis {
			needed[imei] = true
		}
	}
	s.mu.Unlock()

	for imei := range needed {
		if active[imei] {
			continue
		}
		if err := s.rectSub.Subscribe(bus.RTopic(imei)); err != nil {
			s.log.Error("subscribe %s: %v", imei, err)
			continue
		}
		active[imei] = true
	}
	for imei := range active {
		if needed[imei] {
			continue
		}
		if err := s.rectSub.Unsubscribe(bus.RTopic(imei)); err != nil {
			s.log.Error("unsubscribe %s: %v", imei, err)
			continue
		}
		delete(active, imei)
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("upgrade: %v", err)
		return
	}
	client := &Client{conn: conn, imeis: map[string]bool{}, send: make(chan []byte, clientSendBuffer)}
	s.register <- client
	go s.writePump(client)
	go s.readLoop(client)
}

func (s *Server) readLoop(client *Client) {
	defer func() { s.unregister <- client }()
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("unparseable ws message: %v", err)
			continue
		}
		if t, _ := msg["type"].(string); t == "subscribe" {
			s.subReqs <- subscribeReq{
				client:  client,
				imeis:   stringList(msg["imei"]),
				backlog: intField(msg["backlog"], defaultBacklog),
			}
			continue
		}
		s.cmdReqs <- cmdReq{client: client, msg: msg}
	}
}

// handleSubscribe replaces the client's subscription set (not merges it,
// matching wsgateway.py's Client.recv: a later "subscribe" message
// narrows or widens the set) and replays backlog for each IMEI named in
// the request directly to the requesting client.
func (s *Server) handleSubscribe(req subscribeReq) {
	replacement := make(map[string]bool, len(req.imeis))
	for _, imei := range req.imeis {
		replacement[imei] = true
	}
	req.client.imeis = replacement

	for _, imei := range req.imeis {
		entries, err := s.backlog(imei, req.backlog)
		if err != nil {
			s.log.Error("backlog for %s: %v", imei, err)
			continue
		}
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			s.enqueue(req.client, data)
		}
	}
}

// backlogEntry is the shape backlog replay sends to the client: the same
// "location" Rept content the rectifier publishes live, augmented with
// imei the way forward augments live reports.
type backlogEntry struct {
	Type      string   `json:"type"`
	IMEI      string   `json:"imei"`
	DevTime   string   `json:"devtime"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
}

func (s *Server) backlog(imei string, n int) ([]backlogEntry, error) {
	if n <= 0 {
		n = defaultBacklog
	}
	var rows []storage.Report
	if err := s.db.Where("imei = ?", imei).Order("dev_time desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}

	// rows come back newest-first; replay oldest-first so a client
	// redrawing a track sees it progress forward in time.
	entries := make([]backlogEntry, len(rows))
	for i, row := range rows {
		entries[len(rows)-1-i] = backlogEntry{
			Type:      "location",
			IMEI:      row.IMEI,
			DevTime:   row.DevTime.UTC().Format(time.RFC3339),
			Accuracy:  row.Accuracy,
			Latitude:  row.Latitude,
			Longitude: row.Longitude,
		}
	}
	return entries, nil
}

func (s *Server) handleCmd(req cmdReq) {
	imei, _ := req.msg["imei"].(string)
	cmd, _ := req.msg["type"].(string)
	reply := s.sendcmd(imei, cmd, req.msg)

	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	s.enqueue(req.client, data)
}

// sendcmd is the command dispatch path, grounded on wsgateway.py's
// sendcmd: resolve the device's currently-or-recently-bound protocol
// module from pmodmap, build the outgoing packet, and push it to the
// collector, or explain precisely why it could not.
func (s *Server) sendcmd(imei, cmd string, kwargs map[string]interface{}) map[string]interface{} {
	if imei == "" || cmd == "" {
		return cmdResult(imei, "did not get imei or cmd")
	}

	pmodName, ok := s.lookupPmod(imei)
	if !ok {
		return cmdResult(imei, "type of the terminal is unknown")
	}
	pmod, ok := s.registry.ByName(pmodName)
	if !ok {
		return cmdResult(imei, fmt.Sprintf("terminal protocol %s is not loaded", pmodName))
	}
	builder, ok := pmod.ClassByPrefix(cmd)
	if !ok {
		return cmdResult(imei, fmt.Sprintf("%s unimplemented for terminal protocol %s", cmd, pmodName))
	}

	args := make(map[string]interface{}, len(kwargs))
	for k, v := range kwargs {
		if k == "type" || k == "imei" {
			continue
		}
		args[k] = v
	}
	packet, err := builder.BuildOut(args)
	if err != nil {
		return cmdResult(imei, fmt.Sprintf("%s unimplemented for terminal protocol %s", cmd, pmodName))
	}

	resp := bus.Resp{IMEI: imei, When: time.Now(), Packet: packet}
	if err := s.pusher.Push(resp.Pack()); err != nil {
		s.log.Error("push command for %s: %v", imei, err)
		return cmdResult(imei, "failed to deliver command")
	}
	return cmdResult(imei, fmt.Sprintf("%s sent to %s", cmd, imei))
}

func cmdResult(imei, result string) map[string]interface{} {
	return map[string]interface{}{"type": "cmdresult", "imei": imei, "result": result}
}

// lookupPmod implements the pmodmap one-hour TTL: a device not heard
// from recently is treated as unknown rather than trusting stale data.
func (s *Server) lookupPmod(imei string) (string, bool) {
	var row storage.PmodMap
	cutoff := time.Now().Add(-storage.PmodTTL)
	if err := s.db.Where("imei = ? AND tstamp > ?", imei, cutoff).First(&row).Error; err != nil {
		return "", false
	}
	return row.Pmod, true
}

func (s *Server) serveHTML(c *gin.Context) {
	if s.htmlFile == "" {
		c.String(http.StatusInternalServerError, "HTML data not configured on the server\n")
		return
	}
	data, err := os.ReadFile(s.htmlFile)
	if err != nil {
		c.String(http.StatusInternalServerError, "HTML file could not be opened\n")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

func stringList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intField(v interface{}, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
