// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-daq/tdaq"
)

// Reply codes of the JSON commands.
const (
	ReplyOK       = 0
	ReplyFailed   = 3
	ReplyRejected = 5
)

// Reply is the answer to a JSON command.
type Reply struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Handler is a tdaq command handler.
type Handler = func(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error

// Server exposes a TPM to a tdaq run-control.
type Server struct {
	mgr  *Manager
	wait time.Duration // maximum wait for the connection on /config
}

// NewServer returns a run-control server for the TPM managed by mgr.
func NewServer(mgr *Manager) *Server {
	return &Server{mgr: mgr, wait: 30 * time.Second}
}

// Manager returns the manager of the TPM.
func (srv *Server) Manager() *Manager { return srv.mgr }

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	srv.mgr.StartCommunicating()

	tck := time.NewTicker(10 * time.Millisecond)
	defer tck.Stop()
	tmo := time.NewTimer(srv.wait)
	defer tmo.Stop()

	for !srv.mgr.Communicating() {
		select {
		case <-ctx.Ctx.Done():
			return ctx.Ctx.Err()
		case <-tmo.C:
			ctx.Msg.Errorf("could not connect to TPM %q after %v", srv.mgr.Addr(), srv.wait)
			return fmt.Errorf("tile: could not connect to TPM %q: %w", srv.mgr.Addr(), ErrHardwareTimeout)
		case <-tck.C:
		}
	}
	ctx.Msg.Infof("connected to TPM %q (status=%v)", srv.mgr.Addr(), srv.mgr.Status())
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := srv.mgr.Initialise()
	if err != nil {
		ctx.Msg.Errorf("could not initialise TPM: %+v", err)
		return fmt.Errorf("tile: could not initialise TPM: %w", err)
	}
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if !srv.mgr.Communicating() {
		return nil
	}
	return srv.stop(ctx)
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := srv.mgr.requireStatus("start acquisition", Initialised)
	if err != nil {
		ctx.Msg.Errorf("could not start acquisition: %+v", err)
		return err
	}

	t0, err := srv.mgr.StartAcquisition(0, 2)
	if err != nil {
		ctx.Msg.Errorf("could not start acquisition: %+v", err)
		return fmt.Errorf("tile: could not start acquisition: %w", err)
	}

	frame, err := srv.mgr.StartBeamformer(0, -1)
	if err != nil {
		ctx.Msg.Errorf("could not start beamformer: %+v", err)
		return fmt.Errorf("tile: could not start beamformer: %w", err)
	}
	ctx.Msg.Infof("acquisition starts at t=%d, beamformer at frame=%d", t0, frame)
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return srv.stop(ctx)
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	srv.mgr.StopCommunicating()
	return nil
}

func (srv *Server) stop(ctx tdaq.Context) error {
	for _, f := range []struct {
		name string
		stop func() error
	}{
		{"beamformer", srv.mgr.StopBeamformer},
		{"data transmission", srv.mgr.StopDataTransmission},
		{"integrated data", srv.mgr.StopIntegratedData},
	} {
		err := f.stop()
		if err != nil {
			ctx.Msg.Errorf("could not stop %s: %+v", f.name, err)
			return fmt.Errorf("tile: could not stop %s: %w", f.name, err)
		}
	}
	return nil
}

// Commands returns the JSON command handlers of the server, keyed by
// their tdaq path.
func (srv *Server) Commands() map[string]Handler {
	cmds := map[string]func(raw []byte) (any, error){
		"/status":                        srv.status,
		"/configure-40g-core":            srv.configure40GCore,
		"/get-40g-core-configuration":    srv.get40GCoreConfiguration,
		"/get-arp-table":                 srv.arpTable,
		"/set-lmc-download":              srv.setLMCDownload,
		"/set-lmc-integrated-download":   srv.setLMCIntegratedDownload,
		"/get-firmware-available":        srv.firmwareAvailable,
		"/download-firmware":             srv.downloadFirmware,
		"/set-beamformer-regions":        srv.setBeamformerRegions,
		"/load-calibration-coefficients": srv.loadCalibrationCoefficients,
		"/switch-calibration-bank":       srv.switchCalibrationBank,
		"/set-pointing-delay":            srv.setPointingDelay,
		"/load-pointing-delay":           srv.loadPointingDelay,
		"/set-time-delays":               srv.setTimeDelays,
		"/send-data":                     srv.sendData,
		"/stop-data-transmission":        srv.stopDataTransmission,
		"/check-pending-data-requests":   srv.checkPending,
		"/configure-integrated-data":     srv.configureIntegratedData,
		"/stop-integrated-data":          srv.stopIntegratedData,
		"/read-register":                 srv.readRegister,
		"/write-register":                srv.writeRegister,
		"/read-address":                  srv.readAddress,
		"/write-address":                 srv.writeAddress,
	}
	hs := make(map[string]Handler, len(cmds))
	for path, f := range cmds {
		hs[path] = srv.cmd(path, f)
	}
	return hs
}

// cmd adapts a JSON command into a tdaq handler.
// The reply is always sent back: failures are reported through its status.
func (srv *Server) cmd(path string, f func(raw []byte) (any, error)) Handler {
	return func(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
		ctx.Msg.Debugf("received %s command...", path)

		rep := Reply{Status: ReplyOK, Message: "ok"}
		out, err := f(req.Body)
		if err == nil && out != nil {
			rep.Data, err = json.Marshal(out)
		}
		if err != nil {
			ctx.Msg.Errorf("could not run %s command: %+v", path, err)
			rep = Reply{Status: replyCode(err), Message: err.Error()}
		}

		resp.Body, err = json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("tile: could not encode reply: %w", err)
		}
		return nil
	}
}

func replyCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrUnknownRegister),
		errors.Is(err, ErrUnknownAddress):
		return ReplyRejected
	}
	return ReplyFailed
}

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	err := json.Unmarshal(raw, v)
	if err != nil {
		return fmt.Errorf("tile: could not decode command arguments: %w", invalidf("%v", err))
	}
	return nil
}

// mandatory checks that the named fields were provided.
func mandatory(fields map[string]bool) error {
	var missing []string
	for name, ok := range fields {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return invalidf("missing mandatory field(s): %s", strings.Join(missing, ", "))
}

func (srv *Server) status(raw []byte) (any, error) {
	fw, _ := srv.mgr.Firmware()
	return struct {
		Addr          string `json:"addr"`
		Model         string `json:"model"`
		Communicating bool   `json:"communicating"`
		Status        Status `json:"status"`
		Firmware      string `json:"firmware,omitempty"`
	}{
		Addr:          srv.mgr.Addr(),
		Model:         srv.mgr.Model(),
		Communicating: srv.mgr.Communicating(),
		Status:        srv.mgr.Status(),
		Firmware:      fw,
	}, nil
}

func (srv *Server) configure40GCore(raw []byte) (any, error) {
	var args struct {
		CoreID        *int    `json:"CoreID"`
		ArpTableEntry *int    `json:"ArpTableEntry"`
		SrcMac        *uint64 `json:"SrcMac"`
		SrcIP         string  `json:"SrcIP"`
		SrcPort       *int    `json:"SrcPort"`
		DstIP         *string `json:"DstIP"`
		DstPort       *int    `json:"DstPort"`
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	err = mandatory(map[string]bool{
		"CoreID":        args.CoreID != nil,
		"ArpTableEntry": args.ArpTableEntry != nil,
		"SrcMac":        args.SrcMac != nil,
		"SrcPort":       args.SrcPort != nil,
		"DstIP":         args.DstIP != nil,
		"DstPort":       args.DstPort != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("tile: could not configure 40G core: %w", err)
	}
	return nil, srv.mgr.Configure40GCore(FortyGCoreConfig{
		CoreID:        *args.CoreID,
		ArpTableEntry: *args.ArpTableEntry,
		SrcMac:        *args.SrcMac,
		SrcIP:         args.SrcIP,
		SrcPort:       *args.SrcPort,
		DstIP:         *args.DstIP,
		DstPort:       *args.DstPort,
	})
}

func (srv *Server) get40GCoreConfiguration(raw []byte) (any, error) {
	var args struct {
		CoreID        *int `json:"CoreID"`
		ArpTableEntry *int `json:"ArpTableEntry"`
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	if err := mandatory(map[string]bool{"CoreID": args.CoreID != nil}); err != nil {
		return nil, fmt.Errorf("tile: could not get 40G core configuration: %w", err)
	}

	entries := make([]int, 0, NumARPEntries)
	switch args.ArpTableEntry {
	case nil:
		for i := 0; i < NumARPEntries; i++ {
			entries = append(entries, i)
		}
	default:
		entries = append(entries, *args.ArpTableEntry)
	}

	cfgs := make([]FortyGCoreConfig, 0, len(entries))
	for _, entry := range entries {
		cfg, err := srv.mgr.Get40GCoreConfiguration(*args.CoreID, entry)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func (srv *Server) arpTable(raw []byte) (any, error) {
	return srv.mgr.ARPTable()
}

type lmcArgs struct {
	Mode              *string `json:"Mode"`
	PayloadLength     int     `json:"PayloadLength"`
	BeamPayloadLength int     `json:"BeamPayloadLength"`
	DstIP             string  `json:"DstIP"`
	SrcPort           int     `json:"SrcPort"`
	DstPort           int     `json:"DstPort"`
}

func (args lmcArgs) download() LMCDownload {
	return LMCDownload{
		Mode:          *args.Mode,
		PayloadLength: args.PayloadLength,
		DstIP:         args.DstIP,
		SrcPort:       args.SrcPort,
		DstPort:       args.DstPort,
	}
}

func (srv *Server) setLMCDownload(raw []byte) (any, error) {
	var args lmcArgs
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	if err := mandatory(map[string]bool{"Mode": args.Mode != nil}); err != nil {
		return nil, fmt.Errorf("tile: could not set LMC download: %w", err)
	}
	return nil, srv.mgr.SetLMCDownload(args.download())
}

func (srv *Server) setLMCIntegratedDownload(raw []byte) (any, error) {
	var args lmcArgs
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	if err := mandatory(map[string]bool{"Mode": args.Mode != nil}); err != nil {
		return nil, fmt.Errorf("tile: could not set LMC integrated download: %w", err)
	}
	return nil, srv.mgr.SetLMCIntegratedDownload(args.download(), args.BeamPayloadLength)
}

func (srv *Server) firmwareAvailable(raw []byte) (any, error) {
	fws, err := srv.mgr.FirmwareAvailable()
	if err != nil {
		return nil, err
	}
	if fws == nil {
		fws = []Firmware{}
	}
	return fws, nil
}

func (srv *Server) downloadFirmware(raw []byte) (any, error) {
	var args struct {
		Bitfile *string `json:"Bitfile"`
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	if err := mandatory(map[string]bool{"Bitfile": args.Bitfile != nil}); err != nil {
		return nil, fmt.Errorf("tile: could not download firmware: %w", err)
	}
	return nil, srv.mgr.DownloadFirmware(*args.Bitfile)
}

func (srv *Server) setBeamformerRegions(raw []byte) (any, error) {
	var vs []int
	err := decode(raw, &vs)
	if err != nil {
		return nil, err
	}
	regs, err := RegionsFrom(vs)
	if err != nil {
		return nil, fmt.Errorf("tile: could not set beamformer regions: %w", err)
	}
	return nil, srv.mgr.SetBeamformerRegions(regs)
}

func (srv *Server) loadCalibrationCoefficients(raw []byte) (any, error) {
	var args struct {
		Antenna      *int         `json:"Antenna"`
		Coefficients [][8]float64 `json:"Coefficients"` // (re, im) of XX, XY, YX, YY
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	err = mandatory(map[string]bool{
		"Antenna":      args.Antenna != nil,
		"Coefficients": args.Coefficients != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("tile: could not load calibration coefficients: %w", err)
	}

	coefs := make([]Jones, len(args.Coefficients))
	for i, vs := range args.Coefficients {
		for k := range coefs[i] {
			coefs[i][k] = complex(vs[2*k], vs[2*k+1])
		}
	}
	return nil, srv.mgr.LoadCalibrationCoefficients(*args.Antenna, coefs)
}

func (srv *Server) switchCalibrationBank(raw []byte) (any, error) {
	var args struct {
		SwitchTime uint32 `json:"SwitchTime"`
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	t, err := srv.mgr.SwitchCalibrationBank(args.SwitchTime)
	if err != nil {
		return nil, err
	}
	return map[string]uint32{"SwitchTime": t}, nil
}

func (srv *Server) setPointingDelay(raw []byte) (any, error) {
	var args struct {
		BeamIndex *int         `json:"BeamIndex"`
		Delays    [][2]float64 `json:"Delays"` // (delay, rate) per antenna
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	err = mandatory(map[string]bool{
		"BeamIndex": args.BeamIndex != nil,
		"Delays":    args.Delays != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("tile: could not set pointing delay: %w", err)
	}
	pds := make([]PointingDelay, len(args.Delays))
	for i, v := range args.Delays {
		pds[i] = PointingDelay{Delay: v[0], Rate: v[1]}
	}
	return nil, srv.mgr.SetPointingDelay(pds, *args.BeamIndex)
}

func (srv *Server) loadPointingDelay(raw []byte) (any, error) {
	var args struct {
		LoadTime uint32 `json:"LoadTime"`
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	t, err := srv.mgr.LoadPointingDelay(args.LoadTime)
	if err != nil {
		return nil, err
	}
	return map[string]uint32{"LoadTime": t}, nil
}

func (srv *Server) setTimeDelays(raw []byte) (any, error) {
	var delays []float64
	err := decode(raw, &delays)
	if err != nil {
		return nil, err
	}
	return nil, srv.mgr.SetTimeDelays(delays)
}

func (srv *Server) sendData(raw []byte) (any, error) {
	args := struct {
		Kind         *string `json:"Kind"`
		Seconds      float64 `json:"Seconds"`
		Sync         bool    `json:"Sync"`
		NumSamples   int     `json:"NumSamples"`
		FirstChannel int     `json:"FirstChannel"`
		LastChannel  int     `json:"LastChannel"`
		Channel      int     `json:"Channel"`
		WaitSeconds  float64 `json:"WaitSeconds"`
		Frequency    float64 `json:"Frequency"`
		RoundBits    int     `json:"RoundBits"`
	}{
		Seconds:     0.2,
		LastChannel: NumChannels - 1,
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	if err := mandatory(map[string]bool{"Kind": args.Kind != nil}); err != nil {
		return nil, fmt.Errorf("tile: could not send data: %w", err)
	}

	switch kind := strings.ToLower(*args.Kind); kind {
	case RawData.String():
		return srv.mgr.SendRawData(args.Sync, args.Seconds)
	case ChannelData.String():
		return srv.mgr.SendChannelisedData(args.NumSamples, args.FirstChannel, args.LastChannel, args.Seconds)
	case ChannelDataContinuous.String():
		return srv.mgr.SendChannelisedDataContinuous(args.Channel, args.NumSamples, args.WaitSeconds, args.Seconds)
	case BeamData.String():
		return srv.mgr.SendBeamData(args.Seconds)
	case NarrowbandData.String():
		return srv.mgr.SendChannelisedDataNarrowband(args.Frequency, args.RoundBits, args.NumSamples, args.WaitSeconds, args.Seconds)
	default:
		return nil, fmt.Errorf("tile: could not send data: %w", invalidf("data kind %q", kind))
	}
}

func (srv *Server) stopDataTransmission(raw []byte) (any, error) {
	return nil, srv.mgr.StopDataTransmission()
}

func (srv *Server) checkPending(raw []byte) (any, error) {
	pending, err := srv.mgr.CheckPendingDataRequests()
	if err != nil {
		return nil, err
	}
	return map[string]bool{"Pending": pending}, nil
}

func (srv *Server) configureIntegratedData(raw []byte) (any, error) {
	args := struct {
		ChannelIntegrationTime float64 `json:"ChannelIntegrationTime"`
		BeamIntegrationTime    float64 `json:"BeamIntegrationTime"`
		FirstChannel           int     `json:"FirstChannel"`
		LastChannel            int     `json:"LastChannel"`
		FirstBeamChannel       int     `json:"FirstBeamChannel"`
		LastBeamChannel        int     `json:"LastBeamChannel"`
	}{
		LastChannel:     NumChannels - 1,
		LastBeamChannel: NumBeamChannels - 1,
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	err = srv.mgr.ConfigureIntegratedChannelData(args.ChannelIntegrationTime, args.FirstChannel, args.LastChannel)
	if err != nil {
		return nil, err
	}
	return nil, srv.mgr.ConfigureIntegratedBeamData(args.BeamIntegrationTime, args.FirstBeamChannel, args.LastBeamChannel)
}

func (srv *Server) stopIntegratedData(raw []byte) (any, error) {
	return nil, srv.mgr.StopIntegratedData()
}

func (srv *Server) readRegister(raw []byte) (any, error) {
	args := struct {
		RegisterName *string `json:"RegisterName"`
		NbRead       int     `json:"NbRead"`
		Offset       int     `json:"Offset"`
		Device       Device  `json:"Device"`
	}{NbRead: 1}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	if err := mandatory(map[string]bool{"RegisterName": args.RegisterName != nil}); err != nil {
		return nil, fmt.Errorf("tile: could not read register: %w", err)
	}
	return srv.mgr.ReadRegister(*args.RegisterName, args.NbRead, args.Offset, args.Device)
}

func (srv *Server) writeRegister(raw []byte) (any, error) {
	var args struct {
		RegisterName *string  `json:"RegisterName"`
		Values       []uint32 `json:"Values"`
		Offset       int      `json:"Offset"`
		Device       Device   `json:"Device"`
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	err = mandatory(map[string]bool{
		"RegisterName": args.RegisterName != nil,
		"Values":       args.Values != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("tile: could not write register: %w", err)
	}
	return nil, srv.mgr.WriteRegister(*args.RegisterName, args.Values, args.Offset, args.Device)
}

func (srv *Server) readAddress(raw []byte) (any, error) {
	args := struct {
		Address *uint32 `json:"Address"`
		NbRead  int     `json:"NbRead"`
	}{NbRead: 1}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	if err := mandatory(map[string]bool{"Address": args.Address != nil}); err != nil {
		return nil, fmt.Errorf("tile: could not read address: %w", err)
	}
	return srv.mgr.ReadAddress(*args.Address, args.NbRead)
}

func (srv *Server) writeAddress(raw []byte) (any, error) {
	var args struct {
		Address *uint32  `json:"Address"`
		Values  []uint32 `json:"Values"`
	}
	err := decode(raw, &args)
	if err != nil {
		return nil, err
	}
	err = mandatory(map[string]bool{
		"Address": args.Address != nil,
		"Values":  args.Values != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("tile: could not write address: %w", err)
	}
	return nil, srv.mgr.WriteAddress(*args.Address, args.Values)
}
