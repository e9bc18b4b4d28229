package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenVerifier(t *testing.T) {
	v := NewTokenVerifier("pay-secret")

	tok, err := v.Issue("pi_1", "year-analysis", time.Hour)
	require.NoError(t, err)

	pi, err := v.Verify(tok, "year-analysis")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", pi)

	_, err = v.Verify(tok, "full-life")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = NewTokenVerifier("other").Verify(tok, "year-analysis")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := v.Issue("pi_1", "year-analysis", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired, "year-analysis")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
