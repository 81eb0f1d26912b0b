// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-srv starts a TDAQ server controlling one TPM board.
//
// Usage: tpm-srv [OPTIONS]
//
// Example:
//
//	$> tpm-srv -cfg ./tpm-1.yaml -id tpm-1 -rc-addr :44000 -pmon
//
// The configuration file holds the TPM address, its identity within the
// station and the routing of its data. When a station database is named,
// the tile identity and its 40G cores are retrieved from it.
package main // import "github.com/go-lpc/tpm/cmd/tpm-srv"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/config"
	"github.com/go-daq/tdaq/flags"
	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm"
	"github.com/go-lpc/tpm/conddb"
	"github.com/go-lpc/tpm/tile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile = flag.String("cfg", "", "path to YAML configuration file")
	monFreq = flag.Duration("mon", 10*time.Second, "board sensors monitoring interval while running")
	doPMon  = flag.Bool("pmon", false, "enable pmon self-monitoring")
	pmonOut = flag.String("pmon-file", "tpm-srv-pmon.log", "output file of pmon self-monitoring")
	pmonDt  = flag.Duration("pmon-freq", 1*time.Second, "pmon frequency")
)

func main() {
	log.SetPrefix("tpm-srv: ")
	log.SetFlags(0)

	cmd := flags.New()

	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	if *doPMon {
		stop, err := selfMonitor(*pmonOut, *pmonDt)
		if err != nil {
			log.Fatalf("could not start self-monitoring: %+v", err)
		}
		defer stop()
	}

	err = run(context.Background(), cmd, cfg, *monFreq)
	if err != nil {
		log.Fatalf("could not run tpm-srv: %+v", err)
	}
}

func run(ctx context.Context, cmd config.Process, cfg Config, freq time.Duration) error {
	var stdout io.Writer = os.Stdout
	if cfg.Log.File != "" {
		out := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   true,
		}
		defer out.Close()
		stdout = io.MultiWriter(os.Stdout, out)
	}

	msg := tlog.NewMsgStream("tpm-srv", tlog.LvlInfo, stdout)
	if vers, _ := tpm.Version(); vers != "" {
		msg.Infof("tpm-srv version %s", vers)
	}

	cores := cfg.cores()
	if cfg.DB != "" {
		db, err := conddb.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("could not open station db: %w", err)
		}
		cores, err = cfg.fromDB(ctx, db)
		_ = db.Close()
		if err != nil {
			return fmt.Errorf("could not configure tile from station db %q: %w", cfg.DB, err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	name := fmt.Sprintf("%d/%d (%s)", cfg.Station, cfg.Tile, cfg.Addr)
	alerts := newAlerter(name, msg, mailer(
		cfg.Mail.Server, cfg.Mail.Port, cfg.Mail.User, cfg.Mail.To,
	))
	defer alerts.close()

	opts := append(cfg.options(),
		tile.WithMsgStream(msg),
		tile.WithRegisterer(reg),
		tile.WithObserver(alerts),
	)
	mgr, err := tile.NewManager(opts...)
	if err != nil {
		return fmt.Errorf("could not create TPM manager: %w", err)
	}
	defer mgr.Close()

	dev := &device{
		srv:   tile.NewServer(mgr),
		cores: cores,
		lmc:   cfg.LMC,
		freq:  freq,
	}
	srv := tdaq.New(cmd, stdout)
	dev.register(srv)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		hsrv := &http.Server{
			Addr:              cfg.Metrics,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		grp.Go(func() error {
			msg.Infof("serving metrics on %q...", cfg.Metrics)
			err := hsrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		grp.Go(func() error {
			<-ctx.Done()
			return hsrv.Shutdown(context.Background())
		})
	}

	grp.Go(func() error {
		defer cancel()
		return srv.Run(ctx)
	})

	return grp.Wait()
}

// selfMonitor records the resources used by this process into fname.
func selfMonitor(fname string, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not monitor process: %w", err)
	}

	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run self-monitoring: %+v", err)
		}
	}()

	return func() {
		err := f.Close()
		if err != nil {
			log.Printf("could not close pmon log file: %+v", err)
		}
	}, nil
}
