package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/internal/domain"
)

func TestRenderQuote(t *testing.T) {
	exp := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	q := domain.Quote{
		ID:       4,
		Items:    []domain.QuoteItem{{Description: "Two sets", Price: 90000}},
		SoundFee: 10000,
		Subtotal: 100000,
		Discount: 5000,
		Total:    95000,
		Status:   domain.QuotePending,

		ExpiresAt: &exp,
		CreatedAt: exp.Add(-7 * 24 * time.Hour),
	}
	r := domain.BookingRequest{ID: 9, Travel: domain.TravelBreakdown{VenueAddr: "Old Mill, Leeds"}}

	out, err := QuotePDF{Now: func() time.Time { return exp }}.RenderQuote(q, r)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.Greater(t, len(out), 500)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "0.00", Money(0))
	assert.Equal(t, "1.05", Money(105))
	assert.Equal(t, "-12.30", Money(-1230))
}
