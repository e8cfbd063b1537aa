package isotp

import (
	"testing"
	"time"
)

func TestTimerDistinguishesStoppedRunningExpired(t *testing.T) {
	clk := newFakeClock()
	tm := newTimer(clk)

	if tm.Running() || tm.Elapsed() {
		t.Error("a fresh timer must be neither running nor elapsed")
	}

	tm.Start(10 * time.Millisecond)
	if !tm.Running() || tm.Elapsed() {
		t.Error("a just-armed timer must be running but not yet elapsed")
	}

	clk.Advance(11 * time.Millisecond)
	if !tm.Running() || !tm.Elapsed() {
		t.Error("a timer past its deadline must report running and elapsed")
	}

	tm.Stop()
	if tm.Running() || tm.Elapsed() {
		t.Error("a stopped timer must report neither running nor elapsed, even past its old deadline")
	}
}

func TestFakeClockAdvance(t *testing.T) {
	clk := newFakeClock()
	start := clk.Now()
	clk.Advance(5 * time.Second)
	if clk.Now().Sub(start) != 5*time.Second {
		t.Errorf("clock advanced by %v, want 5s", clk.Now().Sub(start))
	}
}
