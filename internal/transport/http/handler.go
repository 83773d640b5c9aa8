package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/wallet-ledger/internal/ledger"
	"github.com/richardliu001/wallet-ledger/internal/model"
	"github.com/richardliu001/wallet-ledger/internal/service"
)

// IdempotencyHeader may carry the key instead of the request body.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	svc    *service.WalletService
	sub    Subscriber
	secret []byte
	log    *zap.SugaredLogger
}

func RegisterHandlers(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	{
		v1.GET("/rates/:from/:to", h.rate)
		v1.POST("/settlements", h.settlement)
	}
	owned := v1.Group("", OwnerMiddleware())
	{
		owned.POST("/accounts", h.openAccount)
		owned.GET("/accounts", h.listAccounts)
		owned.GET("/accounts/:id", h.getAccount)
		owned.GET("/accounts/:id/balance", h.balance)
		owned.POST("/accounts/:id/primary", h.setPrimary)
		owned.POST("/accounts/:id/archive", h.archive)
		owned.POST("/accounts/:id/deposit", h.move((*service.WalletService).Deposit))
		owned.POST("/accounts/:id/withdraw", h.move((*service.WalletService).Withdraw))
		owned.POST("/accounts/:id/credit", h.move((*service.WalletService).CreditExternal))
		owned.POST("/accounts/:id/debit", h.move((*service.WalletService).DebitExternal))
		owned.GET("/accounts/:id/transactions", h.history)
		owned.GET("/accounts/:id/reconcile", h.reconcile)
		owned.GET("/transactions/:id", h.transaction)
		owned.POST("/conversions", h.convert)
		owned.GET("/stream", h.stream)
	}
}

type receiptResponse struct {
	Transaction *model.Transaction         `json:"transaction"`
	Counterpart *model.Transaction         `json:"counterpart,omitempty"`
	Balances    map[string]decimal.Decimal `json:"balances"`
	Rate        *decimal.Decimal           `json:"rate,omitempty"`
}

func toResponse(r *service.Receipt) receiptResponse {
	out := receiptResponse{Transaction: r.Transaction, Counterpart: r.Counterpart, Balances: r.Balances}
	if !r.Rate.IsZero() {
		out.Rate = &r.Rate
	}
	return out
}

// writeReceipt answers a mutation. A replay is a 409 that still carries the
// original receipt, so a client retrying after a timeout learns the outcome.
func writeReceipt(c *gin.Context, status int, r *service.Receipt, err error) {
	switch {
	case err == nil:
		c.JSON(status, toResponse(r))
	case r != nil && errors.Is(err, model.ErrDuplicateIdempotencyKey):
		c.JSON(http.StatusConflict, gin.H{
			"error":   err.Error(),
			"code":    "duplicate_idempotency_key",
			"receipt": toResponse(r),
		})
	default:
		writeError(c, err)
	}
}

func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader(IdempotencyHeader)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.New("invalid amount")
	}
	return amt, nil
}

func parseOptionalCurrency(raw string) (model.Currency, error) {
	if raw == "" {
		return "", nil
	}
	return model.ParseCurrency(raw)
}

type openAccountReq struct {
	Currency    string `json:"currency" binding:"required"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) openAccount(c *gin.Context) {
	var req openAccountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cur, err := model.ParseCurrency(req.Currency)
	if err != nil {
		writeError(c, err)
		return
	}
	a, err := h.svc.OpenAccount(c.Request.Context(), c.GetString(ownerKey), cur, req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.svc.Accounts(c.Request.Context(), c.GetString(ownerKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *Handler) getAccount(c *gin.Context) {
	a, err := h.svc.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) balance(c *gin.Context) {
	bal, cur, err := h.svc.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "balance": bal, "currency": cur})
}

func (h *Handler) setPrimary(c *gin.Context) {
	if err := h.svc.SetPrimary(c.Request.Context(), c.GetString(ownerKey), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) archive(c *gin.Context) {
	if err := h.svc.Archive(c.Request.Context(), c.GetString(ownerKey), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type moveReq struct {
	Amount         string `json:"amount" binding:"required"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

type moveFunc func(*service.WalletService, context.Context, service.MoveRequest) (*service.Receipt, error)

func (h *Handler) move(fn moveFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req moveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, err := parseAmount(req.Amount)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		cur, err := parseOptionalCurrency(req.Currency)
		if err != nil {
			writeError(c, err)
			return
		}
		r, err := fn(h.svc, c.Request.Context(), service.MoveRequest{
			AccountID:      c.Param("id"),
			Amount:         amt,
			Currency:       cur,
			IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
			Description:    req.Description,
		})
		writeReceipt(c, http.StatusCreated, r, err)
	}
}

type convertReq struct {
	FromAccountID  string `json:"from_account_id" binding:"required"`
	ToAccountID    string `json:"to_account_id" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) convert(c *gin.Context) {
	var req convertReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	r, err := h.svc.Convert(c.Request.Context(), service.ConvertRequest{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         amt,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	writeReceipt(c, http.StatusCreated, r, err)
}

func (h *Handler) history(c *gin.Context) {
	cat, err := ledger.ParseCategory(c.Query("filter"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	f := ledger.Filter{Category: cat}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := model.TxStatus(strings.TrimSpace(s))
			if st != model.StatusPending && !st.Terminal() {
				badRequest(c, "invalid status "+s)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		badRequest(c, "invalid limit")
		return
	}
	txs, next, err := h.svc.History(c.Request.Context(), c.Param("id"), f, c.Query("before"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "next": next})
}

func (h *Handler) reconcile(c *gin.Context) {
	r, err := h.svc.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": r.AccountID,
		"balance":    r.Balance,
		"ledger":     r.Ledger,
		"consistent": r.Consistent(),
	})
}

func (h *Handler) transaction(c *gin.Context) {
	t, err := h.svc.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) rate(c *gin.Context) {
	from, err := model.ParseCurrency(c.Param("from"))
	if err != nil {
		writeError(c, err)
		return
	}
	to, err := model.ParseCurrency(c.Param("to"))
	if err != nil {
		writeError(c, err)
		return
	}
	rate, asOf, err := h.svc.Rate(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "rate": rate, "as_of": asOf.UTC().Format(time.RFC3339)})
}
