// Package termconfig implements the component that answers a device's
// STATUS, SETUP and POSITION_UPLOAD_INTERVAL requests with a reply built
// from static, per-IMEI-or-default configuration rather than from any
// computed state, per spec.md §4.4.
package termconfig

import (
	"context"

	"tracksrv/internal/bus"
	"tracksrv/internal/config"
	"tracksrv/internal/logging"
	"tracksrv/internal/protocol"
)

// exposedProtos is the fixed subscription list spec.md §4.4 names:
// termconfig answers only these three binary-protocol message kinds,
// unlike the rectifier which subscribes across every module.
var exposedProtos = []string{"ZX:STATUS", "ZX:SETUP", "ZX:POSITION_UPLOAD_INTERVAL"}

type subscriber interface {
	Recv() (topic, payload []byte, err error)
	Close() error
}

type pusher interface {
	Push(payload []byte) error
	Close() error
}

// Termconfig subscribes to the three externally-answered ZX message
// kinds and pushes a reply built from the device store back through the
// collector's pull channel.
type Termconfig struct {
	log      *logging.Logger
	sub      subscriber
	pusher   pusher
	registry *protocol.Registry
	store    *config.DeviceStore
}

func New(ctx context.Context, cfg *config.Settings, registry *protocol.Registry, store *config.DeviceStore) (*Termconfig, error) {
	var topics [][]byte
	for _, p := range exposedProtos {
		topics = append(topics, bus.Topic(p, true, ""))
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
	return &Termconfig{
		log:      logging.New("termconfig"),
		sub:      sub,
		pusher:   push,
		registry: registry,
		store:    store,
	}, nil
}

func (t *Termconfig) Run(ctx context.Context) error {
	defer t.pusher.Close()
	go func() {
		<-ctx.Done()
		t.sub.Close()
	}()

	for {
		_, payload, err := t.sub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				t.log.Error("recv: %v", err)
				continue
			}
		}
		t.handle(payload)
	}
}

func (t *Termconfig) handle(payload []byte) {
	bc, err := bus.UnpackBcast(payload)
	if err != nil {
		t.log.Warn("%v", err)
		return
	}

	pmod, ok := t.registry.ByName("ZX")
	if !ok {
		t.log.Error("ZX module not loaded")
		return
	}
	builder, ok := pmod.ClassByPrefix(bc.Proto)
	if !ok {
		t.log.Warn("no reply builder for %s", bc.Proto)
		return
	}

	kwargs := t.configFor(bc.Proto, bc.IMEI)
	out, err := builder.BuildOut(kwargs)
	if err != nil {
		t.log.Error("building reply for IMEI %s: %v", bc.IMEI, err)
		return
	}

	resp := bus.Resp{IMEI: bc.IMEI, When: bc.When, Packet: out}
	if err := t.pusher.Push(resp.Pack()); err != nil {
		t.log.Error("push: %v", err)
	}
}

// setupKeys and statusKeys are spec.md §4.4's recognized option names;
// everything else in a device's section is ignored by these two
// message kinds.
var setupKeys = []string{
	"uploadintervalseconds", "binaryswitch", "alarms", "dndtimeswitch",
	"dndtimes", "gpstimeswitch", "gpstimestart", "gpstimestop", "phonenumbers",
}

var statusKeys = []string{"statusintervalminutes"}

// configFor builds the BuildOut kwargs for one proto id from the device
// store's merged (IMEI-over-default) section, restricted to the keys
// that message kind recognizes, per spec.md §9 "Config typing": each
// value is handed through unchanged, already normalized by
// config.Normalize at load/set time.
func (t *Termconfig) configFor(protoID, imei string) map[string]interface{} {
	section := t.store.Section(imei)
	kwargs := make(map[string]interface{})

	var keys []string
	switch protoID {
	case "ZX:SETUP":
		keys = setupKeys
	case "ZX:STATUS":
		keys = statusKeys
	case "ZX:POSITION_UPLOAD_INTERVAL":
		keys = []string{"uploadintervalseconds"}
	}
	for _, k := range keys {
		if v, ok := section[k]; ok {
			kwargs[k] = v
		}
	}
	if protoID == "ZX:STATUS" {
		if _, ok := kwargs["statusintervalminutes"]; !ok {
			kwargs["statusintervalminutes"] = 25
		}
	}
	return kwargs
}
