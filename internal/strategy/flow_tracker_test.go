package strategy

import "testing"

func TestDirectionalImbalanceAllOneSide(t *testing.T) {
	t.Parallel()

	ft := NewFlowTracker(60_000, 120_000, 0.6, 3.0)
	for i := int64(0); i < 3; i++ {
		ft.AddFill(i*1000, true)
	}

	metrics := ft.CalculateToxicity(3000)
	if metrics.DirectionalImbalance != 1.0 {
		t.Errorf("DirectionalImbalance = %v, want 1.0", metrics.DirectionalImbalance)
	}
	if !metrics.IsAverse {
		t.Error("expected one-sided flow to be flagged averse")
	}
}

func TestDirectionalImbalanceBalanced(t *testing.T) {
	t.Parallel()

	// A 10-minute window keeps the velocity term low (4 fills / 10 min), so
	// the score reflects the balanced imbalance: 0.6*0.5 + 0.4*(0.4/3) < 0.6.
	ft := NewFlowTracker(600_000, 120_000, 0.6, 3.0)
	ft.AddFill(0, true)
	ft.AddFill(1000, false)
	ft.AddFill(2000, true)
	ft.AddFill(3000, false)

	metrics := ft.CalculateToxicity(3000)
	if metrics.DirectionalImbalance != 0.5 {
		t.Errorf("DirectionalImbalance = %v, want 0.5", metrics.DirectionalImbalance)
	}
	if metrics.IsAverse {
		t.Error("balanced flow should not be flagged averse")
	}
}

func TestEvictsStaleFills(t *testing.T) {
	t.Parallel()

	ft := NewFlowTracker(5_000, 10_000, 0.6, 3.0)
	ft.AddFill(0, true)
	ft.AddFill(1000, true)

	// 10s later: both fills are outside the 5s window.
	metrics := ft.CalculateToxicity(10_000)
	if ft.FillCount() != 0 {
		t.Errorf("FillCount = %d, want 0 after fills age out", ft.FillCount())
	}
	if metrics.ToxicityScore != 0 {
		t.Errorf("ToxicityScore = %v, want 0 with no fills in window", metrics.ToxicityScore)
	}
}

func TestSpreadMultiplierNormalUntilToxic(t *testing.T) {
	t.Parallel()

	ft := NewFlowTracker(60_000, 120_000, 0.6, 3.0)
	if m := ft.GetSpreadMultiplier(0); m != 1.0 {
		t.Errorf("multiplier with no fills = %v, want 1.0", m)
	}

	for i := int64(0); i < 5; i++ {
		ft.AddFill(i*100, true)
	}
	m := ft.GetSpreadMultiplier(400)
	if m <= 1.0 {
		t.Errorf("expected widened multiplier under toxic flow, got %v", m)
	}
	if m > 3.0 {
		t.Errorf("multiplier %v exceeds configured max 3.0", m)
	}
}

func TestSpreadMultiplierDecaysThroughCooldown(t *testing.T) {
	t.Parallel()

	ft := NewFlowTracker(60_000, 100_000, 0.6, 3.0)
	for i := int64(0); i < 5; i++ {
		ft.AddFill(i*100, true)
	}
	atToxic := ft.GetSpreadMultiplier(400)

	// Long after the toxic fills have aged out of the window, but still
	// within the cooldown: multiplier should have decayed, not reset to 1.0
	// or stayed pinned at the peak.
	midCooldown := ft.GetSpreadMultiplier(90_000)
	if midCooldown >= atToxic {
		t.Errorf("expected decay during cooldown: at-toxic=%v mid-cooldown=%v", atToxic, midCooldown)
	}
	if midCooldown <= 1.0 {
		t.Errorf("expected still-elevated multiplier mid-cooldown, got %v", midCooldown)
	}

	afterCooldown := ft.GetSpreadMultiplier(250_000)
	if afterCooldown != 1.0 {
		t.Errorf("expected multiplier back to 1.0 after cooldown elapses, got %v", afterCooldown)
	}
}
