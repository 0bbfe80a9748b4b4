package execution

import (
	"errors"
	"testing"

	"github.com/kirillm/perp-agent/internal/domain"
)

func testMeta() domain.AssetMetadata {
	return domain.AssetMetadata{Symbol: "BTC", TickSize: "0.5", SzDecimals: 3, MaxLeverage: 50}
}

func TestRounder_Price(t *testing.T) {
	r, err := NewRounder(testMeta())
	if err != nil {
		t.Fatalf("NewRounder() error = %v", err)
	}

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"exact tick", 65000.5, 65000.5},
		{"round down", 65000.2, 65000.0},
		{"round up", 65000.3, 65000.5},
		{"midpoint", 65000.25, 65000.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.PriceFloat(tt.in); got != tt.want {
				t.Errorf("PriceFloat(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRounder_SizeTruncates(t *testing.T) {
	r, _ := NewRounder(testMeta())

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"exact", 0.125, 0.125},
		{"truncates not rounds", 0.1259, 0.125},
		{"below step", 0.0004, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.SizeFloat(tt.in); got != tt.want {
				t.Errorf("SizeFloat(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewRounder_BadTick(t *testing.T) {
	for _, tick := range []string{"", "0", "-1", "abc"} {
		meta := testMeta()
		meta.TickSize = tick
		if _, err := NewRounder(meta); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("NewRounder(tick=%q) error = %v, want ErrInvalidInput", tick, err)
		}
	}
}

func TestParsePositive(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", "0.5", false},
		{"integer", "10", false},
		{"empty", "", true},
		{"zero", "0", true},
		{"negative", "-1", true},
		{"garbage", "1.2.3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePositive("size", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePositive(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("ParsePositive(%q) error = %v, want ErrInvalidInput", tt.value, err)
			}
		})
	}
}
