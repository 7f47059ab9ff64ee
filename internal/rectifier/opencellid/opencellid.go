// Package opencellid implements the rectifier's default geolocation
// lookaside backend: a local SQLite table of (mcc, area, cell) -> (lat,
// lon, range) populated by the out-of-scope ocid_download tool. Lookup
// computes the same inverse-RSSI-weighted average as the reference
// implementation, without its in-memory ATTACH DATABASE scratch table —
// a single batched SELECT does the same (area, cell) join directly
// against the on-disk table.
package opencellid

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tracksrv/internal/protocol"
)

// Backend queries a read-only SQLite database of OpenCellID cells that
// already exists at path (the ocid_download subcommand of this build does
// not create it); this package never writes to it.
type Backend struct {
	path string
	db   *gorm.DB
}

func New(path string) *Backend {
	return &Backend{path: path}
}

func (b *Backend) Init() error {
	db, err := gorm.Open(sqlite.Open(b.path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return fmt.Errorf("opencellid: open %s: %w", b.path, err)
	}
	b.db = db
	return nil
}

func (b *Backend) Shut() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// cellMatch mirrors the columns of ocid_download's "cells" table that
// Lookup cares about; the table also carries radio/net/samples/etc.
// fields this backend never reads.
type cellMatch struct {
	Area  int
	Cell  int
	Lat   float64
	Lon   float64
	Range int
}

// Lookup joins the observed (area, cell) pairs against the downloaded
// cells table for this MCC, then averages the matched coordinates
// weighted by the inverse of each cell's reported signal strength —
// sumsig = Σ(1/rssi), weight_i = (1/rssi_i)/sumsig — exactly as the
// reference opencellid.lookup computes it. Wi-Fi APs are not used by
// this backend, matching the reference (it ignores its own parameter
// for them too).
func (b *Backend) Lookup(mcc, mnc int, cells []protocol.GSMCell, aps []protocol.WifiAP) (lat, lon, accuracy float64, err error) {
	if len(cells) == 0 {
		return 0, 0, 0, fmt.Errorf("opencellid: no cells to look up")
	}

	args := make([]interface{}, 0, 1+2*len(cells))
	args = append(args, mcc)
	where := "mcc = ? AND ("
	for i, c := range cells {
		if i > 0 {
			where += " OR "
		}
		where += "(area = ? AND cell = ?)"
		args = append(args, c.Area, c.Cell)
	}
	where += ")"

	var rows []cellMatch
	if err := b.db.Table("cells").
		Select("area, cell, lat, lon, range").
		Where(where, args...).
		Find(&rows).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("opencellid: query: %w", err)
	}

	type weighted struct {
		lat, lon, rng float64
		rssi          int
	}
	var matched []weighted
	for _, row := range rows {
		for _, c := range cells {
			if c.Area == row.Area && c.Cell == row.Cell {
				matched = append(matched, weighted{lat: row.Lat, lon: row.Lon, rng: float64(row.Range), rssi: c.RSSI})
				break
			}
		}
	}
	if len(matched) == 0 {
		return 0, 0, 0, fmt.Errorf("opencellid: no location data found for mcc=%d", mcc)
	}

	sumInv := 0.0
	for _, m := range matched {
		sumInv += 1 / float64(m.rssi)
	}
	for _, m := range matched {
		weight := (1 / float64(m.rssi)) / sumInv
		lat += m.lat * weight
		lon += m.lon * weight
		accuracy += m.rng * weight
	}
	return lat, lon, accuracy, nil
}
