package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrency(t *testing.T) {
	c, err := ParseCurrency(" btc ")
	require.NoError(t, err)
	assert.Equal(t, BTC, c)
	assert.Equal(t, int32(8), c.Precision())
	assert.Equal(t, int32(2), USD.Precision())

	_, err = ParseCurrency("DOGE")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)

	assert.True(t, USD.Fits(decimal.RequireFromString("10.50")))
	assert.False(t, USD.Fits(decimal.RequireFromString("10.505")))
	assert.True(t, BTC.Fits(decimal.RequireFromString("0.00000001")))
	assert.Equal(t, "10.51", USD.Round(decimal.RequireFromString("10.505")).String())
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusCompleted))
	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.False(t, StatusPending.CanTransition(StatusPending))
	assert.False(t, StatusCompleted.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusCompleted))
}

func TestSigned(t *testing.T) {
	amt := decimal.NewFromInt(5)
	assert.True(t, Transaction{Type: TxDeposit, Amount: amt}.Signed().Equal(amt))
	assert.True(t, Transaction{Type: TxConversionOut, Amount: amt}.Signed().Equal(amt.Neg()))
	assert.True(t, Transaction{Type: TxReversal, Amount: amt}.Signed().IsZero())
}

func TestTransient(t *testing.T) {
	io := errors.New("connection reset")
	err := Transient(io)
	assert.ErrorIs(t, err, ErrTransientInfrastructure)
	assert.ErrorIs(t, err, io)
	assert.False(t, IsDomain(err))

	domain := fmt.Errorf("account a1: %w", ErrInsufficientFunds)
	assert.Same(t, domain, Transient(domain))
	assert.True(t, IsDomain(domain))
	assert.Nil(t, Transient(nil))
}
