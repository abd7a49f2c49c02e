package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicker(t *testing.T) {
	for _, ok := range []string{"ABC", " ibm ", "BRK.B", "^GSPC", "EURUSD=X", "7203"} {
		_, err := Ticker(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "   ", "A B", "abc$", "TOOLONGTICKERSYMBOL", "../etc"} {
		_, err := Ticker(bad)
		assert.ErrorIs(t, err, ErrInvalidTicker, bad)
	}

	got, err := Ticker(" brk.b ")
	require.NoError(t, err)
	assert.Equal(t, "BRK.B", got)
}

func TestFitRequest(t *testing.T) {
	tests := []struct {
		name    string
		ticker  string
		n, p, q int
		want    error
	}{
		{"valid", "abc", 500, 1, 1, nil},
		{"minimum sample", "ABC", 100, 1, 1, nil},
		{"too few observations", "ABC", 99, 1, 1, ErrInvalidRequest},
		{"too many observations", "ABC", MaxObservations + 1, 1, 1, ErrInvalidRequest},
		{"zero p", "ABC", 500, 0, 1, ErrInvalidRequest},
		{"zero q", "ABC", 500, 1, 0, ErrInvalidRequest},
		{"order too high", "ABC", 500, 11, 1, ErrInvalidRequest},
		{"bad ticker", "A B", 500, 1, 1, ErrInvalidTicker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticker, err := FitRequest(tt.ticker, tt.n, tt.p, tt.q)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, "ABC", ticker)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPredictRequest(t *testing.T) {
	for _, n := range []int{1, 5, 365} {
		_, err := PredictRequest("ABC", n)
		assert.NoError(t, err, n)
	}
	for _, n := range []int{0, -3, 366} {
		_, err := PredictRequest("ABC", n)
		assert.ErrorIs(t, err, ErrInvalidRequest, n)
	}
	_, err := PredictRequest("", 5)
	assert.ErrorIs(t, err, ErrInvalidTicker)
}
