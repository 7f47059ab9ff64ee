// Package storage implements the component that subscribes to both the
// collector's raw publish channel and the rectifier's rectified publish
// channel, and appends what it sees to a local, gorm-backed SQLite
// database: three append-only tables, events/reports/pmodmap, as
// specified.
package storage

import "time"

// Event is one append-only row of the raw events table: every packet
// the collector read from, or wrote to, a device socket. Natural key
// (tstamp, imei, is_incoming, proto) backs the INSERT OR IGNORE
// idempotence the spec requires against duplicate bus delivery.
type Event struct {
	ID         uint      `gorm:"primarykey"`
	Tstamp     time.Time `gorm:"uniqueIndex:events_natural_key;not null"`
	IMEI       string    `gorm:"uniqueIndex:events_natural_key;size:16;index"`
	PeerAddr   string    `gorm:"size:64"`
	IsIncoming bool      `gorm:"uniqueIndex:events_natural_key"`
	Proto      string    `gorm:"uniqueIndex:events_natural_key;size:32"`
	Packet     []byte
}

func (Event) TableName() string { return "events" }

// Report is one resolved location fix, either a straight GPS fix or a
// cell/Wi-Fi hint the rectifier turned into coordinates. Remainder
// carries the whole Rept JSON payload, including the fields also broken
// out into their own columns, for forward compatibility with report
// shapes this schema doesn't know about yet.
type Report struct {
	ID        uint      `gorm:"primarykey"`
	IMEI      string    `gorm:"uniqueIndex:reports_natural_key;size:16;not null"`
	DevTime   time.Time `gorm:"uniqueIndex:reports_natural_key;not null"`
	Accuracy  *float64
	Latitude  float64
	Longitude float64
	Remainder string `gorm:"type:text"`
}

func (Report) TableName() string { return "reports" }

// PmodMap records, per IMEI, the protocol module last observed speaking
// to it, with a timestamp the ws gateway's command path checks
// against a one-hour TTL before trusting it for a currently-disconnected
// device.
type PmodMap struct {
	IMEI   string `gorm:"primarykey;size:16"`
	Pmod   string `gorm:"size:8;not null"`
	Tstamp time.Time
}

func (PmodMap) TableName() string { return "pmodmap" }

// PmodTTL is how long a pmodmap entry is trusted for a device that is
// not currently connected.
const PmodTTL = time.Hour
