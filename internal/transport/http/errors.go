package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{model.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{model.ErrCurrencyMismatch, http.StatusBadRequest, "currency_mismatch"},
	{model.ErrUnsupportedCurrency, http.StatusBadRequest, "unsupported_currency"},
	{model.ErrUnsupportedCurrencyPair, http.StatusBadRequest, "unsupported_currency_pair"},
	{model.ErrSameCurrency, http.StatusBadRequest, "same_currency"},
	{model.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{model.ErrAccountArchived, http.StatusUnprocessableEntity, "account_archived"},
	{model.ErrNotFound, http.StatusNotFound, "not_found"},
	{model.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_idempotency_key"},
	{model.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{model.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{model.ErrTransientInfrastructure, http.StatusServiceUnavailable, "unavailable"},
}

func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "bad_request"})
}
