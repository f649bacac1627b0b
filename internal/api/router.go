package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/omnibank/ledger-service/internal/logging"
)

// NewRouter wires middleware and routes. gatherer may be nil to skip /metrics.
func NewRouter(h *LedgerHandler, logger *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(
		logging.Recovery(logger),
		logging.CorrelationMiddleware(logger),
		logging.GinMiddleware(logger),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	internal := r.Group("/api/v1/internal/ledger")
	internal.POST("/transactions", h.PostTransaction)
	internal.GET("/transactions/:transactionId", h.GetTransaction)
	internal.POST("/loans/:loanAccount/apply-emi", h.ApplyLoanEMI)

	r.GET("/api/v1/accounts/:accountNumber/history", h.GetHistory)

	return r
}
