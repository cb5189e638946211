// Package joypad implements the P1 (0xFF00) register: button state
// selection and the joypad interrupt raised on any 1->0 transition of
// an exposed, active-low button bit.
package joypad

import "github.com/markusvaltonen/dmgcore/internal/interrupt"

// Button bitmasks for SetButtons. A set bit means "pressed".
const (
	Right = 1 << 0
	Left  = 1 << 1
	Up    = 1 << 2
	Down  = 1 << 3
	A     = 1 << 4
	B     = 1 << 5
	Select = 1 << 6
	Start  = 1 << 7
)

// Joypad tracks the host-provided button snapshot and the CPU-selected
// nibble (direction keys vs action buttons).
type Joypad struct {
	selects byte // bits 5-4 as last written by the CPU
	buttons byte // Button* bitmask, 1 = pressed
	lower4  byte // last computed active-low nibble, for edge detection

	irq *interrupt.Controller
}

func New(irq *interrupt.Controller) *Joypad { return &Joypad{irq: irq} }

// Read returns the CPU-visible P1 byte: bits 7-6 read as 1, bits 5-4
// reflect the last select write, bits 3-0 are active-low button state
// for whichever group(s) are selected.
func (j *Joypad) Read() byte {
	res := byte(0xC0 | (j.selects & 0x30) | 0x0F)
	if j.selects&0x10 == 0 { // P14 low selects D-Pad
		if j.buttons&Right != 0 {
			res &^= 0x01
		}
		if j.buttons&Left != 0 {
			res &^= 0x02
		}
		if j.buttons&Up != 0 {
			res &^= 0x04
		}
		if j.buttons&Down != 0 {
			res &^= 0x08
		}
	}
	if j.selects&0x20 == 0 { // P15 low selects buttons
		if j.buttons&A != 0 {
			res &^= 0x01
		}
		if j.buttons&B != 0 {
			res &^= 0x02
		}
		if j.buttons&Select != 0 {
			res &^= 0x04
		}
		if j.buttons&Start != 0 {
			res &^= 0x08
		}
	}
	return res
}

// Write stores the CPU's selection write (only bits 4-5 are writable).
func (j *Joypad) Write(v byte) {
	j.selects = v & 0x30
	j.recompute()
}

// SetButtons latches a new button snapshot from the host and raises
// the joypad interrupt on any newly-pressed, currently-exposed button.
func (j *Joypad) SetButtons(mask byte) {
	j.buttons = mask
	j.recompute()
}

func (j *Joypad) recompute() {
	next := byte(0x0F)
	if j.selects&0x10 == 0 {
		if j.buttons&Right != 0 {
			next &^= 0x01
		}
		if j.buttons&Left != 0 {
			next &^= 0x02
		}
		if j.buttons&Up != 0 {
			next &^= 0x04
		}
		if j.buttons&Down != 0 {
			next &^= 0x08
		}
	}
	if j.selects&0x20 == 0 {
		if j.buttons&A != 0 {
			next &^= 0x01
		}
		if j.buttons&B != 0 {
			next &^= 0x02
		}
		if j.buttons&Select != 0 {
			next &^= 0x04
		}
		if j.buttons&Start != 0 {
			next &^= 0x08
		}
	}
	// Falling bits (previously 1, now 0) trigger the interrupt.
	if falling := j.lower4 &^ next; falling != 0 {
		if j.irq != nil {
			j.irq.Request(interrupt.Joypad)
		}
	}
	j.lower4 = next
}

// State is a serializable snapshot for save states.
type State struct {
	Selects, Buttons, Lower4 byte
}

func (j *Joypad) Save() State { return State{j.selects, j.buttons, j.lower4} }
func (j *Joypad) Load(s State) {
	j.selects, j.buttons, j.lower4 = s.Selects, s.Buttons, s.Lower4
}
