// Package emu ties the CPU, Bus, and cartridge together into a runnable
// Machine: loading ROMs, advancing whole frames, and save state/battery
// persistence, all driven from the host-agnostic Config.
package emu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/markusvaltonen/dmgcore/internal/bus"
	"github.com/markusvaltonen/dmgcore/internal/cart"
	"github.com/markusvaltonen/dmgcore/internal/cpu"
)

// Buttons is a snapshot of which DMG buttons are currently held by the host.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Right {
		m |= bus.JoypRight
	}
	return m
}

// Machine owns one running DMG: its CPU, Bus, and cartridge, plus the
// bookkeeping the host UI and CLI need (ROM identity, framebuffer,
// battery/save-state persistence).
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	fb []byte // RGBA, 160*144*4

	romPath string
	header  *cart.Header

	bootROM      []byte
	useFetcherBG bool
}

// New constructs a Machine with no cartridge loaded; LoadCartridge (or
// LoadROMFromFile) must be called before stepping frames.
func New(cfg Config) *Machine {
	m := &Machine{cfg: cfg, fb: make([]byte, 160*144*4)}
	m.reset(nil)
	return m
}

// reset builds a fresh Bus/CPU pair over the given cartridge (nil means a
// throwaway ROM-only cartridge, used before any ROM is loaded).
func (m *Machine) reset(c cart.Cartridge) {
	if c == nil {
		c = cart.NewCartridge(make([]byte, 0x8000))
	}
	m.bus = bus.NewWithCartridge(c)
	if len(m.bootROM) >= 0x100 {
		m.bus.SetBootROM(m.bootROM)
	}
	m.cpu = cpu.New(m.bus)
	m.useFetcherBG = m.cfg.UseFetcherBG
}

// LoadCartridge installs rom (and optionally a DMG boot ROM) into a fresh
// Machine state. With a boot ROM, the CPU starts at 0x0000 and the boot
// ROM itself performs the post-boot register/IO setup; without one, the
// CPU is reset directly to the documented post-boot state at 0x0100.
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	if len(rom) < 0x150 {
		return fmt.Errorf("rom too small: %d bytes", len(rom))
	}
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return err
	}
	m.header = h
	if len(boot) >= 0x100 {
		m.bootROM = boot
	}
	m.reset(cart.NewCartridge(rom))
	if len(m.bootROM) == 0 {
		m.ResetPostBoot()
	} else {
		m.cpu.SetPC(0x0000)
	}
	return nil
}

// LoadROMFromFile reads rom from disk and loads it, remembering the path
// for .sav/save-state naming and future reference (e.g. the host's
// recent-ROMs menu).
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data, m.bootROM); err != nil {
		return err
	}
	if abs, err := filepath.Abs(path); err == nil {
		m.romPath = abs
	} else {
		m.romPath = path
	}
	return nil
}

// ROMPath returns the path of the currently loaded ROM, or "" if none.
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header title, or "" if no ROM is loaded.
func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// SetBootROM installs a DMG boot ROM to be used on the next LoadCartridge
// or reset. Pass nil/empty to clear it.
func (m *Machine) SetBootROM(data []byte) {
	m.bootROM = append([]byte(nil), data...)
	m.bus.SetBootROM(m.bootROM)
}

// SetSerialWriter attaches a sink for bytes written to the serial port
// (SB/SC registers), used by headless test-ROM harnesses.
func (m *Machine) SetSerialWriter(w io.Writer) { m.bus.SetSerialWriter(w) }

// SetButtons latches the host's current button state for the next frame.
func (m *Machine) SetButtons(b Buttons) { m.bus.SetJoypadState(b.mask()) }

// SetUseFetcherBG toggles which background rendering path is preferred.
// The PPU itself always renders through the fetcher-based pipeline; this
// flag is retained for host/menu compatibility and config persistence.
func (m *Machine) SetUseFetcherBG(v bool) { m.useFetcherBG = v }
func (m *Machine) UseFetcherBG() bool     { return m.useFetcherBG }

// ResetPostBoot reinitializes CPU registers to the documented DMG
// post-boot state and sets PC to the cartridge entry point, without
// running a boot ROM. It also primes the PPU/IO registers to the values
// the boot ROM would have left behind, since with no boot ROM to execute
// them nothing else will: in particular LCDC must come up with bit 7
// (LCD enable) set, or the PPU never ticks and no frame is ever produced.
func (m *Machine) ResetPostBoot() {
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)

	m.bus.Write(0xFF00, 0xCF) // P1/JOYP
	m.bus.Write(0xFF05, 0x00) // TIMA
	m.bus.Write(0xFF06, 0x00) // TMA
	m.bus.Write(0xFF07, 0x00) // TAC
	m.bus.Write(0xFF0F, 0xE1) // IF
	m.bus.Write(0xFF40, 0x91) // LCDC
	m.bus.Write(0xFF41, 0x85) // STAT
	m.bus.Write(0xFF42, 0x00) // SCY
	m.bus.Write(0xFF43, 0x00) // SCX
	m.bus.Write(0xFF45, 0x00) // LYC
	m.bus.Write(0xFF47, 0xFC) // BGP
	m.bus.Write(0xFF48, 0xFF) // OBP0
	m.bus.Write(0xFF49, 0xFF) // OBP1
	m.bus.Write(0xFF4A, 0x00) // WY
	m.bus.Write(0xFF4B, 0x00) // WX
	m.bus.Write(0xFFFF, 0x00) // IE
}

// ResetWithBoot restarts the machine from 0x0000 so any loaded boot ROM
// runs again before handing off to the cartridge.
func (m *Machine) ResetWithBoot() {
	if len(m.bootROM) < 0x100 {
		m.ResetPostBoot()
		return
	}
	m.bus.SetBootROM(m.bootROM)
	m.cpu.SetPC(0x0000)
}

// StepFrame runs CPU instructions until the PPU completes a frame, then
// renders the result into the RGBA framebuffer.
func (m *Machine) StepFrame() {
	m.runUntilFrame()
	m.render()
}

// StepFrameNoRender runs one frame's worth of CPU/PPU/APU without paying
// for the RGBA conversion, for headless test-ROM running.
func (m *Machine) StepFrameNoRender() {
	m.runUntilFrame()
}

func (m *Machine) runUntilFrame() {
	p := m.bus.PPU()
	for !p.FrameReady() {
		m.cpu.Step()
	}
}

// render converts the PPU's 2-bit shade framebuffer into RGBA using the
// classic DMG four-shade green-ish palette.
func (m *Machine) render() {
	frame := m.bus.PPU().ConsumeFrame()
	for y := 0; y < 144; y++ {
		for x := 0; x < 160; x++ {
			shade := frame[y][x]
			r, g, b := dmgShade(shade)
			o := (y*160 + x) * 4
			m.fb[o+0] = r
			m.fb[o+1] = g
			m.fb[o+2] = b
			m.fb[o+3] = 0xFF
		}
	}
}

func dmgShade(idx byte) (r, g, b byte) {
	switch idx {
	case 0:
		return 0xE0, 0xF8, 0xD0
	case 1:
		return 0x88, 0xC0, 0x70
	case 2:
		return 0x34, 0x68, 0x56
	default:
		return 0x08, 0x18, 0x20
	}
}

// Framebuffer returns the current RGBA pixel buffer (160x144x4 bytes).
func (m *Machine) Framebuffer() []byte { return m.fb }

// LoadBattery restores cartridge RAM from a prior .sav payload. Returns
// false if the cartridge has no battery-backed RAM to load into.
func (m *Machine) LoadBattery(data []byte) bool {
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns the cartridge's battery-backed RAM contents, if any.
func (m *Machine) SaveBattery() ([]byte, bool) {
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	data := bb.SaveRAM()
	if data == nil {
		return nil, false
	}
	return data, true
}

// machineState is the full save-state payload: CPU registers, the Bus
// (which in turn encodes the PPU/APU/cartridge), plus enough machine
// bookkeeping to resume identically.
type machineState struct {
	CPU     cpu.State
	Bus     []byte
	RomPath string
}

// SaveStateToFile serializes the full machine state to path.
func (m *Machine) SaveStateToFile(path string) error {
	var buf bytes.Buffer
	s := machineState{CPU: m.cpu.Save(), Bus: m.bus.SaveState(), RomPath: m.romPath}
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// LoadStateFromFile restores a machine state written by SaveStateToFile.
// The Machine must already have the matching cartridge loaded.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var s machineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	m.cpu.Load(s.CPU)
	m.bus.LoadState(s.Bus)
	return nil
}

// --- Audio passthroughs ---

// APUBufferedStereo reports how many mixed stereo frames are currently queued.
func (m *Machine) APUBufferedStereo() int { return m.bus.APU().StereoAvailable() }

// APUPullStereo drains up to max stereo frames as interleaved [L,R,...] int16 samples.
func (m *Machine) APUPullStereo(max int) []int16 { return m.bus.APU().PullStereo(max) }

// APUCapBufferedStereo drops queued frames down to max, bounding host audio latency.
func (m *Machine) APUCapBufferedStereo(max int) {
	a := m.bus.APU()
	for a.StereoAvailable() > max {
		if len(a.PullStereo(a.StereoAvailable()-max)) == 0 {
			break
		}
	}
}

// APUClearAudioLatency drains all buffered audio, e.g. after a pause/resume or seek.
func (m *Machine) APUClearAudioLatency() {
	a := m.bus.APU()
	for a.StereoAvailable() > 0 {
		if len(a.PullStereo(a.StereoAvailable())) == 0 {
			break
		}
	}
}

// --- CGB compatibility stubs ---
//
// This core emulates DMG hardware only. The host's menu surfaces a CGB
// color-compatibility toggle for GBC-flagged ROMs running on real GBC
// hardware in DMG mode; since this core never runs CGB mode, these are
// honest no-ops/false-reporters rather than a partial implementation.

func (m *Machine) IsCGBCompat() bool {
	return m.header != nil && (m.header.CGBFlag == 0x80 || m.header.CGBFlag == 0xC0)
}
func (m *Machine) WantCGBColors() bool     { return false }
func (m *Machine) UseCGBBG() bool          { return false }
func (m *Machine) SetUseCGBBG(v bool)      {}
func (m *Machine) ResetCGBPostBoot(v bool) { m.ResetPostBoot() }

func (m *Machine) CurrentCompatPalette() int        { return 0 }
func (m *Machine) SetCompatPalette(id int)          {}
func (m *Machine) CycleCompatPalette(delta int) int { return 0 }
func (m *Machine) CompatPaletteName(id int) string {
	names := []string{"DMG Green"}
	if id < 0 || id >= len(names) {
		return "DMG Green"
	}
	return names[id]
}
