package backtest

import "testing"

func TestMarketTickSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		platform Platform
		want     float64
	}{
		{Kalshi, KalshiTick},
		{Polymarket, PolymarketTick},
	}

	for _, tt := range tests {
		m := Market{Platform: tt.platform}
		if got := m.TickSize(); got != tt.want {
			t.Errorf("Market{Platform: %q}.TickSize() = %v, want %v", tt.platform, got, tt.want)
		}
	}
}

func TestMarketValidPrice(t *testing.T) {
	t.Parallel()

	m := Market{Platform: Kalshi}

	tests := []struct {
		price float64
		want  bool
	}{
		{0.20, true},
		{0.205, false}, // off the 1-cent grid
		{0.0, false},   // boundary excluded
		{1.0, false},   // boundary excluded
		{-0.1, false},
		{0.01, true},
		{0.99, true},
	}

	for _, tt := range tests {
		if got := m.ValidPrice(tt.price); got != tt.want {
			t.Errorf("ValidPrice(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestMarketIsOpen(t *testing.T) {
	t.Parallel()

	m := Market{OpenTime: 100, CloseTime: 200, Resolution: Unresolved}

	if m.IsOpen(50) {
		t.Error("expected closed before OpenTime")
	}
	if !m.IsOpen(150) {
		t.Error("expected open within window")
	}
	if m.IsOpen(200) {
		t.Error("expected closed at CloseTime (half-open interval)")
	}

	resolved := m
	resolved.Resolution = ResolvedYes
	if resolved.IsOpen(150) {
		t.Error("expected not open once resolved")
	}
}
