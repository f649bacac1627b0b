// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/omnibank/ledger-service/internal/ledger"
	"github.com/omnibank/ledger-service/internal/logging"
	"github.com/omnibank/ledger-service/internal/models"
)

// LedgerService is the part of *ledger.Ledger the handlers use.
type LedgerService interface {
	PostTransaction(ctx context.Context, req ledger.PostRequest) (ledger.PostResult, error)
	ApplyLoanEMI(ctx context.Context, loanAccount, fromAccount string, amount decimal.Decimal, correlationID string) (ledger.PostResult, error)
	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetHistory(ctx context.Context, account string, size int) ([]models.HistoryItem, error)
}

type LedgerHandler struct {
	ledger LedgerService
}

func NewLedgerHandler(l LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: l}
}

type EntryRequest struct {
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     string          `json:"direction"`
}

type PostTransactionRequest struct {
	TransactionType string            `json:"transactionType"`
	Entries         []EntryRequest    `json:"entries"`
	Metadata        map[string]string `json:"metadata"`
}

type ApplyEMIRequest struct {
	FromAccount string          `json:"fromAccount" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

type EntryResponse struct {
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     string          `json:"direction"`
}

type TransactionResponse struct {
	TransactionID   string            `json:"transactionId"`
	TransactionType string            `json:"transactionType"`
	Status          string            `json:"status"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	PostedAt        time.Time         `json:"postedAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Entries         []EntryResponse   `json:"entries"`
}

type HistoryItemResponse struct {
	TransactionID string          `json:"transactionId"`
	PostedAt      time.Time       `json:"postedAt"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     string          `json:"direction"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

// PostTransaction handles POST /api/v1/internal/ledger/transactions.
func (h *LedgerHandler) PostTransaction(c *gin.Context) {
	var req PostTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	entries := make([]models.LedgerEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = models.LedgerEntry{
			Account:   e.AccountNumber,
			Amount:    e.Amount,
			Direction: models.Direction(e.Direction),
		}
	}

	res, err := h.ledger.PostTransaction(c.Request.Context(), ledger.PostRequest{
		Type:          req.TransactionType,
		Entries:       entries,
		CorrelationID: logging.GinCorrelationID(c),
		Metadata:      req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ApplyLoanEMI handles POST /api/v1/internal/ledger/loans/:loanAccount/apply-emi.
func (h *LedgerHandler) ApplyLoanEMI(c *gin.Context) {
	var req ApplyEMIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.ledger.ApplyLoanEMI(c.Request.Context(), c.Param("loanAccount"), req.FromAccount, req.Amount, logging.GinCorrelationID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetTransaction handles GET /api/v1/internal/ledger/transactions/:transactionId.
func (h *LedgerHandler) GetTransaction(c *gin.Context) {
	tx, err := h.ledger.GetTransaction(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := TransactionResponse{
		TransactionID:   tx.TransactionID,
		TransactionType: tx.Type,
		Status:          string(tx.Status),
		CorrelationID:   tx.CorrelationID,
		PostedAt:        tx.PostedAt,
		Metadata:        tx.Metadata,
		Entries:         make([]EntryResponse, len(tx.Entries)),
	}
	for i, e := range tx.Entries {
		resp.Entries[i] = EntryResponse{AccountNumber: e.Account, Amount: e.Amount, Direction: string(e.Direction)}
	}
	c.JSON(http.StatusOK, resp)
}

// GetHistory handles GET /api/v1/accounts/:accountNumber/history?size=N.
func (h *LedgerHandler) GetHistory(c *gin.Context) {
	size := 0
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "size must be an integer", Rule: string(ledger.RuleHistorySize)})
			return
		}
		size = n
	}

	items, err := h.ledger.GetHistory(c.Request.Context(), c.Param("accountNumber"), size)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]HistoryItemResponse, len(items))
	for i, item := range items {
		resp[i] = HistoryItemResponse{
			TransactionID: item.TransactionID,
			PostedAt:      item.PostedAt,
			Amount:        item.Amount,
			Direction:     string(item.Direction),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// respondError maps ledger errors to status codes. Anything unexpected gets a
// generic body; the detail only goes to the log.
func respondError(c *gin.Context, err error) {
	var violation *ledger.RuleViolation
	switch {
	case errors.As(err, &violation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: violation.Message, Rule: string(violation.Rule)})
	case ledger.IsClientError(err):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "transaction not found"})
	case errors.Is(err, ledger.ErrPersistence):
		logging.GinLogger(c).Error("ledger storage failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "ledger temporarily unavailable"})
	default:
		logging.GinLogger(c).Error("unexpected ledger error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
	_ = c.Error(err)
}
