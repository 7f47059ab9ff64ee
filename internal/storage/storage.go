package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tracksrv/internal/bus"
	"tracksrv/internal/config"
	"tracksrv/internal/logging"
)

// subscriber narrows *bus.Subscriber down to what Storage calls, for
// both the raw and the rectified feed, so tests can substitute
// in-memory fakes.
type subscriber interface {
	Recv() (topic, payload []byte, err error)
	Close() error
}

// Storage is the component that owns the one writable connection to the
// event-store SQLite database for the lifetime of the process; the ws
// gateway opens the same file read-only for backlog replay.
type Storage struct {
	log         *logging.Logger
	db          *gorm.DB
	rawSub      subscriber
	reptSub     subscriber
	recordEvents bool
}

// New opens (and migrates) the database at cfg.StorageDSN in WAL mode,
// and subscribes to both the collector's and the rectifier's publish
// channels, unfiltered (an empty topic list per bus.NewSubscriber).
func New(ctx context.Context, cfg *config.Settings) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(cfg.StorageDSN+"?_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.StorageDSN, err)
	}
	if err := db.AutoMigrate(&Event{}, &Report{}, &PmodMap{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	rawSub, err := bus.NewSubscriber(ctx, cfg.CollectorPublishAddr)
	if err != nil {
		return nil, err
	}
	reptSub, err := bus.NewSubscriber(ctx, cfg.RectifierPublishAddr)
	if err != nil {
		rawSub.Close()
		return nil, err
	}

	return &Storage{
		log:          logging.New("storage"),
		db:           db,
		rawSub:       rawSub,
		reptSub:      reptSub,
		recordEvents: cfg.StorageRecordEvents,
	}, nil
}

// Run drives two receive loops until ctx is cancelled: one draining raw
// Bcast envelopes, one draining rectified Rept envelopes.
func (s *Storage) Run(ctx context.Context) error {
	errs := make(chan error, 2)
	go func() { errs <- s.runRaw(ctx) }()
	go func() { errs <- s.runRept(ctx) }()

	<-ctx.Done()
	s.rawSub.Close()
	s.reptSub.Close()
	<-errs
	<-errs

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Storage) runRaw(ctx context.Context) error {
	for {
		_, payload, err := s.rawSub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("raw recv: %v", err)
				continue
			}
		}
		s.handleRaw(payload)
	}
}

func (s *Storage) runRept(ctx context.Context) error {
	for {
		_, payload, err := s.reptSub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("rept recv: %v", err)
				continue
			}
		}
		s.handleRept(payload)
	}
}

// handleRaw implements spec.md §4.5: insert an events row (if enabled),
// and always bump pmodmap for the owning IMEI.
func (s *Storage) handleRaw(payload []byte) {
	bc, err := bus.UnpackBcast(payload)
	if err != nil {
		s.log.Warn("%v", err)
		return
	}

	if s.recordEvents {
		row := Event{
			Tstamp:     bc.When,
			IMEI:       bc.IMEI,
			PeerAddr:   peerString(bc.PeerAddr),
			IsIncoming: bc.IsIncoming,
			Proto:      bc.Proto,
			Packet:     bc.Packet,
		}
		if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			s.log.Error("insert event: %v", err)
		}
	}

	if bc.IMEI == "" {
		return
	}
	pmod := pmodOf(bc.Proto)
	row := PmodMap{IMEI: bc.IMEI, Pmod: pmod, Tstamp: time.Now()}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "imei"}},
		DoUpdates: clause.AssignmentColumns([]string{"pmod", "tstamp"}),
	}).Create(&row).Error; err != nil {
		s.log.Error("update pmodmap: %v", err)
	}
}

func pmodOf(proto string) string {
	for i, c := range proto {
		if c == ':' {
			return proto[:i]
		}
	}
	return proto
}

func peerString(addr *net.TCPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// locationReport mirrors the "location"-typed Rept JSON the rectifier
// publishes; other Rept types (status, approximate_location) carry no
// coordinates and are not persisted as reports rows.
type locationReport struct {
	Type      string   `json:"type"`
	DevTime   string   `json:"devtime"`
	Accuracy  *float64 `json:"accuracy"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
}

// handleRept implements the reports half of spec.md §4.5: unpack the
// JSON, and for type "location" insert a reports row with structured
// columns plus the whole payload kept as the remainder blob.
func (s *Storage) handleRept(payload []byte) {
	rept, err := bus.UnpackRept(payload)
	if err != nil {
		s.log.Warn("%v", err)
		return
	}

	var loc locationReport
	if err := json.Unmarshal([]byte(rept.Payload), &loc); err != nil {
		s.log.Warn("rept payload for IMEI %s: %v", rept.IMEI, err)
		return
	}
	if loc.Type != "location" {
		return
	}
	devTime, err := time.Parse(time.RFC3339, loc.DevTime)
	if err != nil {
		devTime = time.Now().UTC()
	}

	row := Report{
		IMEI:      rept.IMEI,
		DevTime:   devTime,
		Accuracy:  loc.Accuracy,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Remainder: rept.Payload,
	}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		s.log.Error("insert report: %v", err)
	}
}
