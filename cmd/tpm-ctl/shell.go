// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/tpm/tile"
)

var errQuit = errors.New("quit")

type command struct {
	usage string
	help  string
	run   func(sh *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help": {"help", "display this help message", (*shell).help},
		"quit": {"quit", "leave the shell", func(*shell, []string) error { return errQuit }},

		"status":  {"status", "display the status of the TPM", (*shell).status},
		"sensors": {"sensors", "display the board sensors", (*shell).sensors},
		"list":    {"list [PREFIX]", "list the known registers", (*shell).list},
		"lookup":  {"lookup ADDR", "display the register at address ADDR", (*shell).lookup},

		"read":  {"read NAME [COUNT [OFFSET]]", "read COUNT words of register NAME", (*shell).read},
		"write": {"write NAME VALUE...", "write the values into register NAME", (*shell).write},
		"rda":   {"rda ADDR [COUNT]", "read COUNT words at address ADDR", (*shell).rda},
		"wra":   {"wra ADDR VALUE...", "write the values at address ADDR", (*shell).wra},

		"firmware": {"firmware", "list the available bitfiles", (*shell).firmware},
		"program":  {"program BITFILE", "program the FPGAs with BITFILE", (*shell).program},
		"erase":    {"erase", "erase the FPGAs", (*shell).erase},
		"init":     {"init", "initialise the TPM", (*shell).initialise},
	}
}

// names returns the sorted names of the shell commands.
func names() []string {
	keys := make([]string, 0, len(commands))
	for k := range commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shell runs interactive commands against a TPM.
type shell struct {
	mgr *tile.Manager
	out io.Writer
}

// exec runs the command line.
// exec returns errQuit when the shell should be left.
func (sh *shell) exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try \"help\")", args[0])
	}
	return cmd.run(sh, args[1:])
}

// complete returns the commands and registers starting with line.
func (sh *shell) complete(line string) []string {
	args := strings.Fields(line)
	switch {
	case len(args) == 0:
		return names()
	case len(args) == 1 && !strings.HasSuffix(line, " "):
		var out []string
		for _, name := range names() {
			if strings.HasPrefix(name, args[0]) {
				out = append(out, name+" ")
			}
		}
		return out
	}

	switch args[0] {
	case "read", "write", "list":
	default:
		return nil
	}

	prefix := ""
	if len(args) == 2 && !strings.HasSuffix(line, " ") {
		prefix = args[1]
	}
	if len(args) > 2 || (len(args) == 2 && prefix == "") {
		return nil
	}

	regs, err := sh.registers(prefix)
	if err != nil {
		return nil
	}
	out := make([]string, len(regs))
	for i, name := range regs {
		out[i] = args[0] + " " + name
	}
	return out
}

func (sh *shell) registers(prefix string) ([]string, error) {
	names := tile.BoardMap().Names(prefix)
	err := sh.mgr.Exec(func(r *tile.Registers) error {
		if r.Design() != nil {
			names = append(names, r.Design().Names(prefix)...)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (sh *shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *shell) help([]string) error {
	sh.printf("commands:\n")
	for _, name := range names() {
		cmd := commands[name]
		sh.printf("  %-28s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

func (sh *shell) status([]string) error {
	sh.printf("addr:          %s\n", sh.mgr.Addr())
	sh.printf("model:         %s\n", sh.mgr.Model())
	sh.printf("communicating: %v\n", sh.mgr.Communicating())
	sh.printf("status:        %v\n", sh.mgr.Status())
	if fw, err := sh.mgr.Firmware(); err == nil && fw != "" {
		sh.printf("firmware:      %s\n", fw)
	}
	return nil
}

func (sh *shell) sensors([]string) error {
	temp, err := sh.mgr.BoardTemperature()
	if err != nil {
		return fmt.Errorf("could not read board temperature: %w", err)
	}
	vin, err := sh.mgr.Voltage()
	if err != nil {
		return fmt.Errorf("could not read board voltage: %w", err)
	}
	sh.printf("board temperature: %.2f C\n", temp)
	sh.printf("board voltage:     %.2f V\n", vin)

	prog, err := sh.mgr.IsProgrammed()
	if err != nil || !prog {
		return err
	}
	for _, dev := range []tile.Device{tile.FPGA1, tile.FPGA2} {
		temp, err := sh.mgr.FPGATemperature(dev)
		if err != nil {
			return fmt.Errorf("could not read %v temperature: %w", dev, err)
		}
		sh.printf("%v temperature: %.2f C\n", dev, temp)
	}
	return nil
}

func (sh *shell) list(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: %s", commands["list"].usage)
	}
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	regs, err := sh.registers(prefix)
	if err != nil {
		return err
	}
	for _, name := range regs {
		sh.printf("%s\n", name)
	}
	return nil
}

func (sh *shell) lookup(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["lookup"].usage)
	}
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	return sh.mgr.Exec(func(r *tile.Registers) error {
		reg, err := r.LookupAddress(addr)
		if err != nil {
			return err
		}
		sh.printf("0x%08x: %s (words=%d, mask=0x%08x)\n", addr, reg.Name, reg.Words, reg.Mask)
		return nil
	})
}

func (sh *shell) read(args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: %s", commands["read"].usage)
	}
	count, offset := 1, 0
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", args[1], err)
		}
		count = v
	}
	if len(args) > 2 {
		v, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid offset %q: %w", args[2], err)
		}
		offset = v
	}

	vs, err := sh.mgr.ReadRegister(args[0], count, offset, tile.DeviceNone)
	if err != nil {
		return err
	}
	sh.words(args[0], offset, vs)
	return nil
}

func (sh *shell) write(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", commands["write"].usage)
	}
	vs, err := parseWords(args[1:])
	if err != nil {
		return err
	}
	return sh.mgr.WriteRegister(args[0], vs, 0, tile.DeviceNone)
}

func (sh *shell) rda(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s", commands["rda"].usage)
	}
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	count := 1
	if len(args) > 1 {
		count, err = strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", args[1], err)
		}
	}

	vs, err := sh.mgr.ReadAddress(addr, count)
	if err != nil {
		return err
	}
	for i, v := range vs {
		sh.printf("0x%08x: 0x%08x\n", (addr&^0x3)+uint32(4*i), v)
	}
	return nil
}

func (sh *shell) wra(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", commands["wra"].usage)
	}
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	vs, err := parseWords(args[1:])
	if err != nil {
		return err
	}
	return sh.mgr.WriteAddress(addr, vs)
}

func (sh *shell) firmware([]string) error {
	fws, err := sh.mgr.FirmwareAvailable()
	if err != nil {
		return err
	}
	for _, fw := range fws {
		sh.printf("%-24s design=%s version=%s\n", fw.Name, fw.Design, fw.Version)
	}
	return nil
}

func (sh *shell) program(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["program"].usage)
	}
	err := sh.mgr.DownloadFirmware(args[0])
	if err != nil {
		return err
	}
	sh.printf("status: %v\n", sh.mgr.Status())
	return nil
}

func (sh *shell) erase([]string) error {
	return sh.mgr.Erase()
}

func (sh *shell) initialise([]string) error {
	err := sh.mgr.Initialise()
	if err != nil {
		return err
	}
	sh.printf("status: %v\n", sh.mgr.Status())
	return nil
}

func (sh *shell) words(name string, offset int, vs []uint32) {
	if len(vs) == 1 {
		sh.printf("%s[%d] = 0x%08x (%d)\n", name, offset, vs[0], vs[0])
		return
	}
	for i, v := range vs {
		sh.printf("%s[%d] = 0x%08x\n", name, offset+i, v)
	}
}

func parseWord(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid word %q: %w", s, err)
	}
	return uint32(v), nil
}

func parseWords(args []string) ([]uint32, error) {
	vs := make([]uint32, len(args))
	for i, s := range args {
		v, err := parseWord(s)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}
