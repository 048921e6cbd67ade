package types

import "testing"

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int32
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAsDecimal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want string
	}{
		{Tick01, "0.1"},
		{Tick001, "0.01"},
		{Tick0001, "0.001"},
		{Tick00001, "0.0001"},
	}

	for _, tt := range tests {
		if got := tt.tick.AsDecimal().String(); got != tt.want {
			t.Errorf("TickSize(%q).AsDecimal() = %s, want %s", tt.tick, got, tt.want)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if YES.Opposite() != NO {
		t.Errorf("YES.Opposite() = %v, want NO", YES.Opposite())
	}
	if NO.Opposite() != YES {
		t.Errorf("NO.Opposite() = %v, want YES", NO.Opposite())
	}
}
