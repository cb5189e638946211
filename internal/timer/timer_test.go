package timer

import (
	"testing"

	"github.com/markusvaltonen/dmgcore/internal/interrupt"
)

func TestTimer_EdgeOnDIVAndTACWrites(t *testing.T) {
	irq := interrupt.New()
	tm := New(irq)

	// Enable timer, select input from bit3 (TAC=01)
	tm.tac = 0x05
	tm.tima = 0x10
	tm.divInternal = 0x0008 // bit3=1 -> input=true when enabled
	if !tm.input() {
		t.Fatalf("expected input true")
	}
	tm.WriteDIV() // resets divider -> input goes false -> increment
	if got := tm.ReadTIMA(); got != 0x11 {
		t.Fatalf("TIMA not incremented on DIV falling edge: got %02X want 11", got)
	}

	tm.tima = 0x20
	tm.divInternal = 0x0008 // bit3=1 (true)
	tm.tac = 0x05           // enable + 01 (bit3)
	if !tm.input() {
		t.Fatalf("expected input true before TAC change")
	}
	tm.WriteTAC(0x06) // enable + 10 (bit5), falling edge at current divider value
	if got := tm.ReadTIMA(); got != 0x21 {
		t.Fatalf("TIMA not incremented on TAC falling edge: got %02X want 21", got)
	}
}

func TestTimer_EdgesIgnoredDuringPendingReload(t *testing.T) {
	irq := interrupt.New()
	tm := New(irq)

	tm.WriteTAC(0x05)
	tm.WriteTMA(0x33)
	tm.tima = 0xFF
	tm.divInternal = 0x000F // bit3=1
	tm.Tick(1)              // overflow, TIMA=00, pending reload

	tm.divInternal = 0x0008
	if !tm.input() {
		t.Fatalf("expected input true before DIV write")
	}
	tm.WriteDIV()
	if got := tm.ReadTIMA(); got != 0x00 {
		t.Fatalf("TIMA incremented during pending reload on DIV write: got %02X want 00", got)
	}
	for i := 0; i < 4; i++ {
		tm.Tick(1)
	}
	if got := tm.ReadTIMA(); got != 0x33 {
		t.Fatalf("reload did not occur: got %02X want 33", got)
	}
}

func TestTimer_OverflowReloadTimingAndCancellation(t *testing.T) {
	irq := interrupt.New()
	tm := New(irq)

	tm.WriteTAC(0x05)
	tm.WriteTMA(0xAB)
	tm.tima = 0xFF
	tm.divInternal = 0x000F
	tm.Tick(1)
	if got := tm.ReadTIMA(); got != 0x00 {
		t.Fatalf("after overflow, TIMA got %02X want 00", got)
	}
	for i := 0; i < 3; i++ {
		tm.Tick(1)
		if got := tm.ReadTIMA(); got != 0x00 {
			t.Fatalf("during delay cycle %d, TIMA got %02X want 00", i, got)
		}
		if irq.Pending()&(1<<interrupt.Timer) != 0 {
			t.Fatalf("during delay IF timer bit set prematurely")
		}
	}
	tm.Tick(1)
	if got := tm.ReadTIMA(); got != 0xAB {
		t.Fatalf("after delay, TIMA got %02X want AB", got)
	}
	if irq.IF&(1<<interrupt.Timer) == 0 {
		t.Fatalf("timer IF bit not set on reload")
	}

	irq.WriteIF(0x00)
	tm.WriteTAC(0x05)
	tm.WriteTMA(0x55)
	tm.tima = 0xFF
	tm.divInternal = 0x000F
	tm.Tick(1)
	tm.WriteTIMA(0x77)
	for i := 0; i < 8; i++ {
		tm.Tick(1)
	}
	if got := tm.ReadTIMA(); got != 0x77 {
		t.Fatalf("TIMA write during delay not retained: got %02X want 77", got)
	}
	if irq.IF&(1<<interrupt.Timer) != 0 {
		t.Fatalf("timer IF bit set despite cancellation")
	}

	irq.WriteIF(0x00)
	tm.WriteTAC(0x05)
	tm.tima = 0xFF
	tm.WriteTMA(0x11)
	tm.divInternal = 0x000F
	tm.Tick(1)
	tm.WriteTMA(0x22)
	for i := 0; i < 4; i++ {
		tm.Tick(1)
	}
	if got := tm.ReadTIMA(); got != 0x22 {
		t.Fatalf("TMA write during delay not reflected in reload: got %02X want 22", got)
	}
}
