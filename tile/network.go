// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// FortyGCoreConfig is the configuration of an ARP table entry of a 40G core.
type FortyGCoreConfig struct {
	CoreID        int    `json:"CoreID"`
	ArpTableEntry int    `json:"ArpTableEntry"`
	SrcMac        uint64 `json:"SrcMac"`
	SrcIP         string `json:"SrcIP,omitempty"`
	SrcPort       int    `json:"SrcPort"`
	DstIP         string `json:"DstIP"`
	DstPort       int    `json:"DstPort"`
}

func ip2u(s string) (uint32, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return 0, invalidf("IPv4 address %q", s)
	}
	v := ip.As4()
	return binary.BigEndian.Uint32(v[:]), nil
}

func u2ip(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b).String()
}

func checkPort(name string, port int) error {
	if port < 0 || port > 0xffff {
		return invalidf("%s %d", name, port)
	}
	return nil
}

func checkCore(core, entry int) error {
	switch {
	case core < 0 || core >= NumCores:
		return invalidf("40G core %d", core)
	case entry < 0 || entry >= NumARPEntries:
		return invalidf("ARP table entry %d", entry)
	}
	return nil
}

// Configure40GCore configures an ARP table entry of a 40G core.
// An empty SrcIP leaves the source address of the core unchanged.
func (m *Manager) Configure40GCore(cfg FortyGCoreConfig) error {
	err := checkCore(cfg.CoreID, cfg.ArpTableEntry)
	if err == nil && cfg.SrcMac>>48 != 0 {
		err = invalidf("MAC address 0x%x", cfg.SrcMac)
	}
	if err == nil {
		err = checkPort("source port", cfg.SrcPort)
	}
	if err == nil {
		err = checkPort("destination port", cfg.DstPort)
	}
	var src, dst uint32
	if err == nil && cfg.SrcIP != "" {
		src, err = ip2u(cfg.SrcIP)
	}
	if err == nil {
		dst, err = ip2u(cfg.DstIP)
	}
	if err != nil {
		return fmt.Errorf("tile: could not configure 40G core: %w", err)
	}

	var (
		dev   = fpgas[cfg.CoreID]
		entry = cfg.ArpTableEntry
	)
	return m.withHardware("configure 40G core", func(r *Registers) error {
		rio := regio{r: r}
		rio.write("xg_udp.src_mac_lo", dev, uint32(cfg.SrcMac))
		rio.write("xg_udp.src_mac_hi", dev, uint32(cfg.SrcMac>>32))
		if cfg.SrcIP != "" {
			rio.write("xg_udp.src_ip", dev, src)
		}
		rio.writes("xg_udp.arp.src_port", dev, entry, []uint32{uint32(cfg.SrcPort)})
		rio.writes("xg_udp.arp.dst_ip", dev, entry, []uint32{dst})
		rio.writes("xg_udp.arp.dst_port", dev, entry, []uint32{uint32(cfg.DstPort)})
		return rio.err
	})
}

// Get40GCoreConfiguration reads back the configuration of an ARP table
// entry of a 40G core.
func (m *Manager) Get40GCoreConfiguration(core, entry int) (FortyGCoreConfig, error) {
	cfg := FortyGCoreConfig{CoreID: core, ArpTableEntry: entry}
	err := checkCore(core, entry)
	if err != nil {
		return cfg, fmt.Errorf("tile: could not get 40G core configuration: %w", err)
	}

	dev := fpgas[core]
	err = m.withHardware("get 40G core configuration", func(r *Registers) error {
		rio := regio{r: r}
		lo := rio.read("xg_udp.src_mac_lo", dev)
		hi := rio.read("xg_udp.src_mac_hi", dev)
		src := rio.read("xg_udp.src_ip", dev)
		sport := rio.reads("xg_udp.arp.src_port", dev, entry, 1)
		dst := rio.reads("xg_udp.arp.dst_ip", dev, entry, 1)
		dport := rio.reads("xg_udp.arp.dst_port", dev, entry, 1)
		if rio.err != nil {
			return rio.err
		}
		cfg.SrcMac = uint64(hi&0xffff)<<32 | uint64(lo)
		cfg.SrcIP = u2ip(src)
		cfg.SrcPort = int(sport[0])
		cfg.DstIP = u2ip(dst[0])
		cfg.DstPort = int(dport[0])
		return nil
	})
	return cfg, err
}

// ARPTable returns, for each 40G core, the list of valid ARP table entries.
func (m *Manager) ARPTable() (map[int][]int, error) {
	tbl := make(map[int][]int, NumCores)
	err := m.withHardware("get ARP table", func(r *Registers) error {
		rio := regio{r: r}
		for core, dev := range fpgas {
			st := rio.reads("xg_udp.arp.status", dev, 0, NumARPEntries)
			if rio.err != nil {
				return rio.err
			}
			entries := []int{}
			for i, v := range st {
				if v&0x1 != 0 {
					entries = append(entries, i)
				}
			}
			tbl[core] = entries
		}
		return nil
	})
	return tbl, err
}

// LMCDownload configures the transmission of data to the local monitoring
// and control (LMC) system.
type LMCDownload struct {
	Mode          string `json:"Mode"`                    // "1g" or "10g"
	PayloadLength int    `json:"PayloadLength,omitempty"` // bytes, defaults on mode
	DstIP         string `json:"DstIP,omitempty"`
	SrcPort       int    `json:"SrcPort,omitempty"`
	DstPort       int    `json:"DstPort,omitempty"`
}

const (
	lmcMode1G  = 0
	lmcMode10G = 1

	defaultLMCSrcPort = 0xf0d0
	defaultLMCDstPort = 4660
)

func (cfg *LMCDownload) check() (mode uint32, dst uint32, err error) {
	switch strings.ToLower(cfg.Mode) {
	case "1g":
		mode = lmcMode1G
		if cfg.PayloadLength == 0 {
			cfg.PayloadLength = 1024
		}
	case "10g", "40g":
		mode = lmcMode10G
		if cfg.PayloadLength == 0 {
			cfg.PayloadLength = 8192
		}
		if cfg.DstIP == "" {
			return 0, 0, invalidf("mode %q requires a destination IP", cfg.Mode)
		}
	default:
		return 0, 0, invalidf("LMC download mode %q", cfg.Mode)
	}
	if cfg.SrcPort == 0 {
		cfg.SrcPort = defaultLMCSrcPort
	}
	if cfg.DstPort == 0 {
		cfg.DstPort = defaultLMCDstPort
	}
	if cfg.PayloadLength < 0 || cfg.PayloadLength > 9000 {
		return 0, 0, invalidf("payload length %d", cfg.PayloadLength)
	}
	if err := checkPort("source port", cfg.SrcPort); err != nil {
		return 0, 0, err
	}
	if err := checkPort("destination port", cfg.DstPort); err != nil {
		return 0, 0, err
	}
	if cfg.DstIP != "" {
		dst, err = ip2u(cfg.DstIP)
		if err != nil {
			return 0, 0, err
		}
	}
	return mode, dst, nil
}

// SetLMCDownload configures the transmission of raw, channelised and beam
// data to the LMC.
func (m *Manager) SetLMCDownload(cfg LMCDownload) error {
	mode, dst, err := cfg.check()
	if err != nil {
		return fmt.Errorf("tile: could not set LMC download: %w", err)
	}
	return m.withHardware("set LMC download", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("lmc_gen.mode", mode)
		rio.writeAll("lmc_gen.payload_length", uint32(cfg.PayloadLength))
		rio.writeAll("lmc_gen.dst_ip", dst)
		rio.writeAll("lmc_gen.src_port", uint32(cfg.SrcPort))
		rio.writeAll("lmc_gen.dst_port", uint32(cfg.DstPort))
		return rio.err
	})
}

// SetLMCIntegratedDownload configures the transmission of integrated data
// to the LMC.
func (m *Manager) SetLMCIntegratedDownload(cfg LMCDownload, beamPayload int) error {
	mode, dst, err := cfg.check()
	if err == nil && (beamPayload < 0 || beamPayload > 9000) {
		err = invalidf("beam payload length %d", beamPayload)
	}
	if err != nil {
		return fmt.Errorf("tile: could not set LMC integrated download: %w", err)
	}
	if beamPayload == 0 {
		beamPayload = cfg.PayloadLength
	}
	return m.withHardware("set LMC integrated download", func(r *Registers) error {
		rio := regio{r: r}
		rio.writeAll("lmc_integrated_gen.mode", mode)
		rio.writeAll("lmc_integrated_gen.channel_payload_length", uint32(cfg.PayloadLength))
		rio.writeAll("lmc_integrated_gen.beam_payload_length", uint32(beamPayload))
		rio.writeAll("lmc_integrated_gen.dst_ip", dst)
		rio.writeAll("lmc_integrated_gen.src_port", uint32(cfg.SrcPort))
		rio.writeAll("lmc_integrated_gen.dst_port", uint32(cfg.DstPort))
		return rio.err
	})
}
