package interrupt

import "testing"

func TestController_PendingAndPriority(t *testing.T) {
	c := New()
	c.WriteIE(0x1F)
	c.Request(Timer)
	c.Request(VBlank)
	if !c.IME {
		// IME starts disabled but Pending/Highest don't depend on it
	}
	bit, ok := c.Highest()
	if !ok || bit != VBlank {
		t.Fatalf("Highest() = %d,%v want VBlank,true", bit, ok)
	}
	c.Acknowledge(VBlank)
	if c.IME {
		t.Fatalf("Acknowledge should clear IME")
	}
	bit, ok = c.Highest()
	if !ok || bit != Timer {
		t.Fatalf("Highest() after ack = %d,%v want Timer,true", bit, ok)
	}
}

func TestController_EIDelay(t *testing.T) {
	c := New()
	c.RequestEI()
	if c.IME {
		t.Fatalf("IME should not be set immediately on EI")
	}
	c.SettleEI()
	if !c.IME {
		t.Fatalf("IME should be set after SettleEI")
	}
}

func TestController_DIClearsPendingEI(t *testing.T) {
	c := New()
	c.RequestEI()
	c.DisableImmediate()
	c.SettleEI()
	if c.IME {
		t.Fatalf("DI should cancel a pending EI")
	}
}

func TestController_IFReadMasksUpperBits(t *testing.T) {
	c := New()
	c.WriteIF(0xFF)
	if got := c.ReadIF(); got != 0xFF {
		t.Fatalf("ReadIF got %02X want FF (E0 | 1F)", got)
	}
	if c.IF != 0x1F {
		t.Fatalf("WriteIF should only stick lower 5 bits, got %02X", c.IF)
	}
}

func TestController_SaveLoad(t *testing.T) {
	c := New()
	c.WriteIE(0x1F)
	c.Request(Serial)
	c.RequestEI()
	s := c.Save()

	c2 := New()
	c2.Load(s)
	if c2.IE != c.IE || c2.IF != c.IF {
		t.Fatalf("Load did not restore IE/IF")
	}
	c2.SettleEI()
	if !c2.IME {
		t.Fatalf("Load did not restore pending EI")
	}
}
