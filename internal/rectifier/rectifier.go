// Package rectifier implements the component that turns cell/Wi-Fi
// observations into coordinates. It subscribes to every location-bearing
// message kind each protocol module advertises, republishes a normalized
// report for storage and the ws gateway, and — when the originating
// message needs an externally computed reply — pushes the resolved
// coordinates back to the device through the collector's pull channel.
package rectifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tracksrv/internal/bus"
	"tracksrv/internal/config"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
)

// Backend is the pluggable lookaside geolocation source. Two concrete
// implementations live in sibling packages: opencellid (local SQLite
// table) and googlemaps (HTTPS Geolocation API).
type Backend interface {
	Init() error
	Shut() error
	Lookup(mcc, mnc int, cells []protocol.GSMCell, aps []protocol.WifiAP) (lat, lon, accuracy float64, err error)
}

// subscriber, pusher and publisher narrow the bus types down to what the
// rectifier calls, so tests can substitute in-memory fakes.
type subscriber interface {
	Recv() (topic, payload []byte, err error)
	Close() error
}

type pusher interface {
	Push(payload []byte) error
	Close() error
}

type publisher interface {
	Publish(topic, payload []byte) error
	Close() error
}

type Rectifier struct {
	log      *logging.Logger
	sub      subscriber
	pusher   pusher
	pub      publisher
	registry *protocol.Registry
	backend  Backend
}

// New subscribes to the collector's publish channel for every exposed
// proto id across every module in registry, dials the
// collector's pull channel to send replies, and binds the rectifier's
// own publish channel for rectified reports.
func New(ctx context.Context, cfg *config.Settings, registry *protocol.Registry, backend Backend) (*Rectifier, error) {
	var topics [][]byte
	for _, m := range registry.All() {
		for _, ep := range m.ExposedProtos() {
			topics = append(topics, bus.Topic(ep.ProtoID, true, ""))
		}
	}

	sub, err := bus.NewSubscriber(ctx, cfg.CollectorPublishAddr, topics...)
	if err != nil {
		return nil, err
	}
	push, err := bus.NewPusher(ctx, cfg.CollectorPullAddr)
	if err != nil {
		sub.Close()
		return nil, err
	}
	pub, err := bus.NewPublisher(ctx, cfg.RectifierPublishAddr)
	if err != nil {
		sub.Close()
		push.Close()
		return nil, err
	}
	if err := backend.Init(); err != nil {
		sub.Close()
		push.Close()
		pub.Close()
		return nil, fmt.Errorf("rectifier: backend init: %w", err)
	}

	return &Rectifier{
		log:      logging.New("rectifier"),
		sub:      sub,
		pusher:   push,
		pub:      pub,
		registry: registry,
		backend:  backend,
	}, nil
}

// Run drives the rectifier until ctx is cancelled.
func (r *Rectifier) Run(ctx context.Context) error {
	defer r.pusher.Close()
	defer r.pub.Close()
	defer r.backend.Shut()

	go func() {
		<-ctx.Done()
		r.sub.Close()
	}()

	for {
		_, payload, err := r.sub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				r.log.Error("recv: %v", err)
				continue
			}
		}
		r.handle(payload)
	}
}

func pmodName(protoID string) string {
	if i := strings.IndexByte(protoID, ':'); i >= 0 {
		return protoID[:i]
	}
	return protoID
}

func (r *Rectifier) handle(payload []byte) {
	bc, err := bus.UnpackBcast(payload)
	if err != nil {
		r.log.Warn("%v", err)
		return
	}
	pmod, ok := r.registry.ByName(pmodName(bc.Proto))
	if !ok {
		r.log.Warn("no module for proto %s", bc.Proto)
		return
	}
	msg := pmod.ParseMessage(bc.Packet, true)
	rect, ok := msg.(protocol.Rectifiable)
	if !ok {
		return
	}
	coord, status, hint := rect.Rectified()
	switch {
	case coord != nil:
		r.publishReport(bc.IMEI, coordReportJSON(*coord))
	case status != nil:
		r.publishReport(bc.IMEI, statusReportJSON(*status))
	case hint != nil:
		r.resolveHint(bc, pmod, *hint)
	}
}

// resolveHint implements steps 4-5 of the rectifier's design: call the
// lookaside backend, and on success push a Resp (preserving the
// triggering Bcast's when, not the current time) when the originating
// message needs an externally computed answer, then always publish the
// resolved coordinates as a CoordReport.
func (r *Rectifier) resolveHint(bc bus.Bcast, pmod protocol.Module, hint protocol.HintReport) {
	lat, lon, accuracy, err := r.backend.Lookup(hint.MCC, hint.MNC, hint.Cells, hint.APs)
	if err != nil {
		r.log.Warn("lookup for IMEI %s: %v", bc.IMEI, err)
		return
	}

	if needsExternalAnswer(pmod, bc.Proto) {
		builder, ok := pmod.ClassByPrefix(bc.Proto)
		if !ok {
			r.log.Warn("no reply builder for %s", bc.Proto)
		} else if out, err := builder.BuildOut(map[string]interface{}{"latitude": lat, "longitude": lon}); err != nil {
			r.log.Error("building reply for IMEI %s: %v", bc.IMEI, err)
		} else {
			resp := bus.Resp{IMEI: bc.IMEI, When: bc.When, Packet: out}
			if err := r.pusher.Push(resp.Pack()); err != nil {
				r.log.Error("push: %v", err)
			}
		}
	}

	acc := accuracy
	r.publishReport(bc.IMEI, coordReportJSON(protocol.CoordReport{
		DevTime:   hint.DevTime,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  &acc,
	}))
}

func needsExternalAnswer(pmod protocol.Module, protoID string) bool {
	for _, ep := range pmod.ExposedProtos() {
		if ep.ProtoID == protoID {
			return ep.NeedsExternalAnswer
		}
	}
	return false
}

func (r *Rectifier) publishReport(imei, payload string) {
	rept := bus.Rept{IMEI: imei, Payload: payload}
	if err := r.pub.Publish(bus.RTopic(imei), rept.Pack()); err != nil {
		r.log.Error("publish: %v", err)
	}
}

type locationJSON struct {
	Type           string   `json:"type"`
	DevTime        string   `json:"devtime"`
	BatteryPercent *int     `json:"battery_percentage,omitempty"`
	Accuracy       *float64 `json:"accuracy,omitempty"`
	Altitude       *float64 `json:"altitude,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
	Direction      *float64 `json:"direction,omitempty"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
}

func coordReportJSON(c protocol.CoordReport) string {
	doc := locationJSON{
		Type:           "location",
		DevTime:        c.DevTime.UTC().Format(time.RFC3339),
		BatteryPercent: c.BatteryPercent,
		Accuracy:       c.Accuracy,
		Altitude:       c.Altitude,
		Speed:          c.Speed,
		Direction:      c.Direction,
		Latitude:       c.Latitude,
		Longitude:      c.Longitude,
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

type statusJSON struct {
	Type           string `json:"type"`
	DevTime        string `json:"devtime"`
	BatteryPercent int    `json:"battery_percentage"`
}

func statusReportJSON(s protocol.StatusReport) string {
	doc := statusJSON{
		Type:           "status",
		DevTime:        s.DevTime.UTC().Format(time.RFC3339),
		BatteryPercent: s.BatteryPercent,
	}
	b, _ := json.Marshal(doc)
	return string(b)
}
