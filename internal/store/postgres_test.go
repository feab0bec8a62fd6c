package store

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		text    string
		want    decimal.Decimal
		wantErr bool
	}{
		{"0", decimal.Zero, false},
		{"-12.500000000000000000", decimal.RequireFromString("-12.5"), false},
		{"1000000000000000000000", decimal.RequireFromString("1e21"), false},
		{"", decimal.Zero, true},
		{"NaN", decimal.Zero, true},
		{"12,5", decimal.Zero, true},
	}
	for _, tt := range tests {
		got, err := parseNumeric(tt.text)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseNumeric(%q): expected error, got %s", tt.text, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseNumeric(%q): %v", tt.text, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseNumeric(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}
