// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-sql dumps the description of a tile from the station
// database, as a tpm-srv configuration file.
//
// Usage: tpm-sql [OPTIONS]
//
// Example:
//
//	$> tpm-sql -db station1 -station 1 -tile 3 > tpm-3.yaml
package main // import "github.com/go-lpc/tpm/cmd/tpm-sql"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/tpm/conddb"
	"github.com/go-lpc/tpm/tile"
	"gopkg.in/yaml.v3"
)

func main() {
	log.SetPrefix("tpm-sql: ")
	log.SetFlags(0)

	var (
		dbname  = flag.String("db", "tpmsrv", "name of the station database")
		station = flag.Int("station", 0, "station ID to inspect")
		id      = flag.Int("tile", 0, "tile ID to inspect")
	)

	flag.Parse()

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open station db: %+v", err)
	}
	defer db.Close()

	err = doQuery(os.Stdout, db, *station, *id)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

type stationDB interface {
	Tile(ctx context.Context, station, id int) (conddb.Tile, error)
	FortyGCores(ctx context.Context, station, id int) ([]tile.FortyGCoreConfig, error)
}

func doQuery(w io.Writer, db stationDB, station, id int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t, err := db.Tile(ctx, station, id)
	if err != nil {
		return fmt.Errorf("could not get tile description: %w", err)
	}
	log.Printf("tile %d/%d: addr=%q model=%s first=%v last=%v", t.StationID, t.ID, t.Addr, t.Model, t.First, t.Last)

	cores, err := db.FortyGCores(ctx, station, id)
	if err != nil {
		return fmt.Errorf("could not get 40G cores (station=%d, tile=%d): %w", station, id, err)
	}
	log.Printf("40G cores: %d", len(cores))

	return encode(w, t, cores)
}

type config struct {
	Addr     string `yaml:"addr"`
	Model    string `yaml:"model,omitempty"`
	Station  int    `yaml:"station"`
	Tile     int    `yaml:"tile"`
	First    bool   `yaml:"first"`
	Last     bool   `yaml:"last"`
	Firmware *struct {
		Bitfile string `yaml:"bitfile"`
	} `yaml:"firmware,omitempty"`
	Cores []core `yaml:"cores,omitempty"`
}

type core struct {
	ID       int    `yaml:"id"`
	ArpEntry int    `yaml:"arp-entry"`
	SrcMac   mac    `yaml:"src-mac"`
	SrcIP    string `yaml:"src-ip,omitempty"`
	SrcPort  int    `yaml:"src-port"`
	DstIP    string `yaml:"dst-ip"`
	DstPort  int    `yaml:"dst-port"`
}

// mac is a MAC address, encoded as an hexadecimal YAML integer.
type mac uint64

func (v mac) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!int",
		Value: fmt.Sprintf("0x%012x", uint64(v)),
	}, nil
}

// encode writes the tpm-srv configuration of the tile.
func encode(w io.Writer, t conddb.Tile, cores []tile.FortyGCoreConfig) error {
	cfg := config{
		Addr:    t.Addr,
		Model:   t.Model,
		Station: t.StationID,
		Tile:    t.ID,
		First:   t.First,
		Last:    t.Last,
	}
	if t.Firmware != "" {
		cfg.Firmware = &struct {
			Bitfile string `yaml:"bitfile"`
		}{t.Firmware}
	}
	for _, c := range cores {
		cfg.Cores = append(cfg.Cores, core{
			ID:       c.CoreID,
			ArpEntry: c.ArpTableEntry,
			SrcMac:   mac(c.SrcMac),
			SrcIP:    c.SrcIP,
			SrcPort:  c.SrcPort,
			DstIP:    c.DstIP,
			DstPort:  c.DstPort,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	err := enc.Encode(cfg)
	if err != nil {
		return fmt.Errorf("could not encode tile configuration: %w", err)
	}
	return enc.Close()
}
