package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/wallet-ledger/internal/config"
	"github.com/richardliu001/wallet-ledger/internal/notifier"
	"github.com/richardliu001/wallet-ledger/internal/service"
)

// Subscriber is the read side of the change notifier.
type Subscriber interface {
	Subscribe(topic notifier.Topic, resume map[string]uint64) (*notifier.Subscription, error)
}

func NewRouter(svc *service.WalletService, sub Subscriber, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, &Handler{
		svc:    svc,
		sub:    sub,
		secret: []byte(cfg.Settlement.Secret),
		log:    log,
	})
	return r
}
