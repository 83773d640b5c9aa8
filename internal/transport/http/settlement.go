package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// SignatureHeader holds the hex HMAC-SHA256 of the raw body under the shared secret.
const SignatureHeader = "X-Signature"

const maxSettlementBody = 64 << 10

type settlementReq struct {
	TransactionID string `json:"transaction_id"`
	Outcome       string `json:"outcome"`
}

// Sign returns the signature a payment processor sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// settlement is the payment processor callback that settles a pending withdrawal.
func (h *Handler) settlement(c *gin.Context) {
	if len(h.secret) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement callbacks are not configured", "code": "unavailable"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSettlementBody))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	if !validSignature(h.secret, body, c.GetHeader(SignatureHeader)) {
		h.log.Warnw("settlement rejected: bad signature", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature", "code": "unauthenticated"})
		return
	}
	var req settlementReq
	if err := json.Unmarshal(body, &req); err != nil || req.TransactionID == "" {
		badRequest(c, "transaction_id and outcome are required")
		return
	}
	outcome := model.TxStatus(req.Outcome)
	if !outcome.Terminal() {
		badRequest(c, "outcome must be completed or failed")
		return
	}
	r, err := h.svc.ConfirmWithdrawal(c.Request.Context(), req.TransactionID, outcome)
	if err != nil {
		writeError(c, err)
		return
	}
	writeReceipt(c, http.StatusOK, r, nil)
}
