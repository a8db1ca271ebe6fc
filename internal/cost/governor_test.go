package cost

import (
	"testing"
	"time"
)

func testGovernor(limits Limits) (*Governor, *time.Time) {
	g := NewGovernor(DefaultRates(), limits)
	clock := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	return g, &clock
}

func TestCostMonotoneWithUsage(t *testing.T) {
	g, _ := testGovernor(Limits{Budget: 10})
	g.Open("call-1")

	prev := 0.0
	steps := []func(){
		func() { g.AddSTT("call-1", 3.5) },
		func() { g.AddLLM("call-1", "hello there", "hi, how can I help you today") },
		func() { g.AddTTS("call-1", "hi, how can I help you today") },
		func() { g.AddSTT("call-1", 2.0) },
	}
	for i, step := range steps {
		step()
		got, ok := g.Cost("call-1")
		if !ok {
			t.Fatal("entry missing")
		}
		if got < prev {
			t.Errorf("step %d: cost %.6f decreased from %.6f", i, got, prev)
		}
		if got == prev {
			t.Errorf("step %d: cost did not increase", i)
		}
		prev = got
	}
}

func TestCostGrowsWithElapsedTime(t *testing.T) {
	g, clock := testGovernor(Limits{Budget: 10})
	g.Open("call-1")
	before, _ := g.Cost("call-1")
	*clock = clock.Add(2 * time.Minute)
	after, _ := g.Cost("call-1")
	if after <= before {
		t.Errorf("cost after 2min = %.6f, want > %.6f", after, before)
	}
}

func TestBudgetEnforcement(t *testing.T) {
	g, clock := testGovernor(Limits{Budget: 0.05})
	g.Open("call-1")
	*clock = clock.Add(time.Minute)

	if d := g.Allow("call-1"); !d.Allowed {
		t.Fatalf("blocked under budget: %+v", d)
	}
	*clock = clock.Add(10 * time.Minute) // telephony alone passes $0.05
	d := g.Allow("call-1")
	if d.Allowed {
		t.Fatalf("allowed over budget: cost=%.4f", d.Cost)
	}
	if d.Reason != "budget exceeded" {
		t.Errorf("reason = %q, want budget exceeded", d.Reason)
	}
}

func TestBurnRateEnforcement(t *testing.T) {
	g, clock := testGovernor(Limits{Budget: 100, MaxBurnRate: 0.02})
	g.Open("call-1")
	*clock = clock.Add(time.Minute)
	for i := 0; i < 50; i++ {
		g.AddTTS("call-1", "a fairly long synthesized sentence to drive up character spend")
	}
	d := g.Allow("call-1")
	if d.Allowed {
		t.Fatalf("allowed over burn rate: burn=%.4f", d.BurnRate)
	}
	if d.Reason != "burn rate exceeded" {
		t.Errorf("reason = %q, want burn rate exceeded", d.Reason)
	}
}

func TestCloseEvictsEntry(t *testing.T) {
	g, _ := testGovernor(Limits{Budget: 10})
	g.Open("call-1")
	g.AddSTT("call-1", 5)

	usage, cost, ok := g.Close("call-1")
	if !ok {
		t.Fatal("Close found no entry")
	}
	if usage.STTSeconds != 5 {
		t.Errorf("usage.STTSeconds = %v, want 5", usage.STTSeconds)
	}
	if cost <= 0 {
		t.Errorf("final cost = %v, want > 0", cost)
	}
	if _, ok := g.Cost("call-1"); ok {
		t.Error("entry still present after Close")
	}
	if _, _, ok := g.Close("call-1"); ok {
		t.Error("second Close reported an entry")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	g, clock := testGovernor(Limits{Budget: 10, Capacity: 2})
	g.Open("old")
	*clock = clock.Add(time.Second)
	g.Open("mid")
	*clock = clock.Add(time.Second)
	g.Open("new")

	if g.Len() != 2 {
		t.Fatalf("len = %d, want 2", g.Len())
	}
	if _, ok := g.Cost("old"); ok {
		t.Error("oldest entry survived capacity eviction")
	}
	if _, ok := g.Cost("new"); !ok {
		t.Error("newest entry missing")
	}
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	g, clock := testGovernor(Limits{Budget: 10, StaleAfter: 10 * time.Minute})
	g.Open("stale")
	*clock = clock.Add(11 * time.Minute)
	g.Open("fresh")

	if removed := g.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, ok := g.Cost("stale"); ok {
		t.Error("stale entry survived sweep")
	}
	if _, ok := g.Cost("fresh"); !ok {
		t.Error("fresh entry swept")
	}
}

func TestCountTokensNonZero(t *testing.T) {
	g, _ := testGovernor(Limits{Budget: 10})
	if n := g.CountTokens("hello, how are you doing today?"); n == 0 {
		t.Error("CountTokens returned 0 for non-empty text")
	}
	if n := g.CountTokens(""); n != 0 {
		t.Errorf("CountTokens(\"\") = %d, want 0", n)
	}
}
