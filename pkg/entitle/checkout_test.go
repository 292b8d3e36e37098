package entitle

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeCheckoutMarker(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		param   string
		want    string
		matched bool
	}{
		{"marker only", "/invoices?checkout=success", "", "/invoices", true},
		{"keeps other params", "/settings?tab=billing&checkout=success", "", "/settings?tab=billing", true},
		{"custom param", "/app?paid=success", "paid", "/app", true},
		{"other value", "/app?checkout=cancelled", "", "/app?checkout=cancelled", false},
		{"no marker", "/app?tab=billing", "", "/app?tab=billing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)

			got, ok := ConsumeCheckoutMarker(u, tt.param)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestConsumeCheckoutMarker_OnlyOnce(t *testing.T) {
	u, _ := url.Parse("/dashboard?checkout=success")
	stripped, ok := ConsumeCheckoutMarker(u, "")
	require.True(t, ok)

	_, again := ConsumeCheckoutMarker(stripped, "")
	assert.False(t, again)
	assert.Equal(t, "/dashboard?checkout=success", u.String(), "input URL is not modified")
}

func TestConsumeCheckoutMarker_Nil(t *testing.T) {
	got, ok := ConsumeCheckoutMarker(nil, "")
	assert.Nil(t, got)
	assert.False(t, ok)
}
