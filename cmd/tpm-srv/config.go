// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-lpc/tpm/conddb"
	"github.com/go-lpc/tpm/tile"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a tpm-srv process.
type Config struct {
	Addr    string `yaml:"addr"`
	Model   string `yaml:"model"`
	Station int    `yaml:"station"`
	Tile    int    `yaml:"tile"`
	First   bool   `yaml:"first"`
	Last    bool   `yaml:"last"`

	Firmware struct {
		Dir     string `yaml:"dir"`
		Bitfile string `yaml:"bitfile"`
	} `yaml:"firmware"`

	Retry struct {
		Attempts int           `yaml:"attempts"`
		Spacing  time.Duration `yaml:"spacing"`
		Cooldown time.Duration `yaml:"cooldown"`
	} `yaml:"retry"`
	Poll        time.Duration `yaml:"poll"`
	LockTimeout time.Duration `yaml:"lock-timeout"`

	// DB names the station database holding the tile identity and its
	// 40G cores. The file values are used when empty.
	DB string `yaml:"db"`

	Cores []Core `yaml:"cores"`
	LMC   LMC    `yaml:"lmc"`

	Metrics string `yaml:"metrics"` // [addr]:port of the prometheus endpoint, disabled if empty

	Log struct {
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max-size"` // megabytes
		MaxBackups int    `yaml:"max-backups"`
	} `yaml:"log"`

	Mail struct {
		Server string   `yaml:"server"`
		Port   int      `yaml:"port"`
		User   string   `yaml:"user"`
		To     []string `yaml:"to"`
	} `yaml:"mail"`
}

// Core is the configuration of one 40G core entry.
type Core struct {
	ID       int    `yaml:"id"`
	ArpEntry int    `yaml:"arp-entry"`
	SrcMac   uint64 `yaml:"src-mac"`
	SrcIP    string `yaml:"src-ip"`
	SrcPort  int    `yaml:"src-port"`
	DstIP    string `yaml:"dst-ip"`
	DstPort  int    `yaml:"dst-port"`
}

func (c Core) config() tile.FortyGCoreConfig {
	return tile.FortyGCoreConfig{
		CoreID:        c.ID,
		ArpTableEntry: c.ArpEntry,
		SrcMac:        c.SrcMac,
		SrcIP:         c.SrcIP,
		SrcPort:       c.SrcPort,
		DstIP:         c.DstIP,
		DstPort:       c.DstPort,
	}
}

// LMC configures the routing of the LMC data. Disabled when Mode is empty.
type LMC struct {
	Mode          string `yaml:"mode"`
	PayloadLength int    `yaml:"payload-length"`
	DstIP         string `yaml:"dst-ip"`
	SrcPort       int    `yaml:"src-port"`
	DstPort       int    `yaml:"dst-port"`
}

func (lmc LMC) download() tile.LMCDownload {
	return tile.LMCDownload{
		Mode:          lmc.Mode,
		PayloadLength: lmc.PayloadLength,
		DstIP:         lmc.DstIP,
		SrcPort:       lmc.SrcPort,
		DstPort:       lmc.DstPort,
	}
}

// Defaults returns the default configuration.
func Defaults() Config {
	var cfg Config
	cfg.Addr = "10.0.10.2:10000"
	cfg.Model = tile.ModelTPM16
	cfg.First = true
	cfg.Last = true
	cfg.Firmware.Dir = "/opt/tpm/firmware"
	cfg.Retry.Attempts = 10
	cfg.Retry.Spacing = 500 * time.Millisecond
	cfg.Retry.Cooldown = 10 * time.Second
	cfg.Poll = 2 * time.Second
	cfg.LockTimeout = 500 * time.Millisecond
	cfg.Log.MaxSize = 100
	cfg.Log.MaxBackups = 5
	cfg.Mail.Port = 587
	return cfg
}

// loadConfig overlays the YAML file fname, if any, on top of the defaults.
func loadConfig(fname string) (Config, error) {
	cfg := Defaults()
	if fname == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		return cfg, fmt.Errorf("could not read config file %q: %w", fname, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	err = dec.Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode config file %q: %w", fname, err)
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch {
	case cfg.Addr == "" && cfg.DB == "":
		return fmt.Errorf("invalid config: missing TPM address")
	case cfg.Model != tile.ModelTPM12 && cfg.Model != tile.ModelTPM16:
		return fmt.Errorf("invalid config: unknown TPM model %q", cfg.Model)
	case cfg.Retry.Attempts <= 0:
		return fmt.Errorf("invalid config: retry attempts must be positive (got=%d)", cfg.Retry.Attempts)
	}
	return nil
}

// station is the subset of the station database used by tpm-srv.
type station interface {
	Tile(ctx context.Context, station, id int) (conddb.Tile, error)
	FortyGCores(ctx context.Context, station, id int) ([]tile.FortyGCoreConfig, error)
}

// cores returns the 40G core configurations of the file.
func (cfg Config) cores() []tile.FortyGCoreConfig {
	out := make([]tile.FortyGCoreConfig, len(cfg.Cores))
	for i, c := range cfg.Cores {
		out[i] = c.config()
	}
	return out
}

// fromDB overrides the tile identity and its 40G cores with the content
// of the station database.
func (cfg *Config) fromDB(ctx context.Context, db station) ([]tile.FortyGCoreConfig, error) {
	t, err := db.Tile(ctx, cfg.Station, cfg.Tile)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve tile description: %w", err)
	}
	cfg.Addr = t.Addr
	cfg.First = t.First
	cfg.Last = t.Last
	if t.Model != "" {
		cfg.Model = t.Model
	}
	if t.Firmware != "" {
		cfg.Firmware.Bitfile = t.Firmware
	}

	cores, err := db.FortyGCores(ctx, cfg.Station, cfg.Tile)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve 40G cores: %w", err)
	}
	return cores, cfg.validate()
}

func (cfg Config) options() []tile.Option {
	return []tile.Option{
		tile.WithAddr(cfg.Addr),
		tile.WithModel(cfg.Model),
		tile.WithIDs(cfg.Station, cfg.Tile),
		tile.WithChain(cfg.First, cfg.Last),
		tile.WithFirmware(cfg.Firmware.Dir, cfg.Firmware.Bitfile),
		tile.WithRetry(cfg.Retry.Attempts, cfg.Retry.Spacing, cfg.Retry.Cooldown),
		tile.WithPollInterval(cfg.Poll),
		tile.WithLockTimeout(cfg.LockTimeout),
	}
}
