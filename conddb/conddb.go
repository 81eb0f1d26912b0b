// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to describe the configuration database
// of a station: its tiles and their 40G data cores.
package conddb // import "github.com/go-lpc/tpm/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/tpm/tile"
	"github.com/go-sql-driver/mysql"
)

var (
	host = "localhost:3306"
	usr  = "username"
	pwd  = "s3cr3t"

	drvName = "mysql"
	timeout = 5 * time.Second
)

// DB exposes convenience methods to easily retrieve configuration data
// from the station database.
type DB struct {
	db   *sql.DB
	name string // name of the station database
}

// Tile describes one TPM of a station.
type Tile struct {
	ID        int
	StationID int
	Addr      string // control-plane address of the board (host:port)
	Model     string // tpm1.2 or tpm1.6
	Firmware  string // bitfile to program, may be empty
	First     bool   // first tile of the station beamformer chain
	Last      bool   // last tile of the station beamformer chain
}

// Open opens a connection to the station database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	cfg := mysql.NewConfig()
	cfg.User = usr
	cfg.Passwd = pwd
	cfg.Net = "tcp"
	cfg.Addr = host
	cfg.DBName = db
	cfg.Timeout = timeout
	return cfg.FormatDSN()
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Tile returns the description of tile id of the provided station.
// Tile returns an error wrapping sql.ErrNoRows if no such tile exists.
func (db *DB) Tile(ctx context.Context, station, id int) (Tile, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		t        Tile
		firmware sql.NullString
	)
	err := db.db.QueryRowContext(
		ctx,
		`
SELECT identifier, station, address, model, firmware, first_tile, last_tile
FROM tiles
WHERE (
	station=? AND identifier=?
)
LIMIT 1
`,
		station, id,
	).Scan(
		&t.ID, &t.StationID, &t.Addr, &t.Model, &firmware,
		&t.First, &t.Last,
	)
	if err != nil {
		return t, fmt.Errorf(
			"conddb: could not retrieve tile %d of station %d: %w",
			id, station, err,
		)
	}
	t.Firmware = firmware.String

	if err := ctx.Err(); err != nil {
		return t, fmt.Errorf("conddb: context error while retrieving tile: %w", err)
	}

	return t, nil
}

// FortyGCores returns the 40G core configurations of tile id of the
// provided station, ordered by core and ARP table entry.
func (db *DB) FortyGCores(ctx context.Context, station, id int) ([]tile.FortyGCoreConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cores []tile.FortyGCoreConfig
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT core_id, arp_entry, src_mac, src_ip, src_port, dst_ip, dst_port
FROM forty_g_cores
WHERE (
	station=? AND tile=?
)
ORDER BY core_id, arp_entry
`,
		station, id,
	)
	if err != nil {
		return cores, fmt.Errorf("conddb: could not run 40G cores query: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		var (
			core  tile.FortyGCoreConfig
			srcIP sql.NullString
		)
		err = rows.Scan(
			&core.CoreID, &core.ArpTableEntry,
			&core.SrcMac, &srcIP, &core.SrcPort,
			&core.DstIP, &core.DstPort,
		)
		if err != nil {
			return cores, fmt.Errorf("conddb: could not scan row %d for 40G cores: %w", i, err)
		}
		i++
		core.SrcIP = srcIP.String
		cores = append(cores, core)
	}

	if err := rows.Err(); err != nil {
		return cores, fmt.Errorf("conddb: could not scan db for 40G cores: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return cores, fmt.Errorf("conddb: context error while retrieving 40G cores: %w", err)
	}

	return cores, nil
}
