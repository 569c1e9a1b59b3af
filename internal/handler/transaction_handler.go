package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
	"branch-ledger/internal/service"
)

type TransactionHandler struct {
	ledger *service.LedgerService
}

func NewTransactionHandler(ledger *service.LedgerService) *TransactionHandler {
	return &TransactionHandler{
		ledger: ledger,
	}
}

type AmountRequest struct {
	Amount      string `json:"amount" validate:"required"`
	Description string `json:"description" validate:"max=255"`
}

type TransferRequest struct {
	FromAccountID   string `json:"from_account_id" validate:"required,uuid"`
	ToAccountNumber string `json:"to_account_number" validate:"required"`
	Amount          string `json:"amount" validate:"required"`
	Description     string `json:"description" validate:"max=255"`
}

type TransactionResponse struct {
	TransactionID int64     `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	Description   string    `json:"description"`
	Reference     string    `json:"reference"`
	Timestamp     time.Time `json:"timestamp"`
}

type TransferResponse struct {
	Reference string              `json:"reference"`
	Status    string              `json:"status"`
	Debit     TransactionResponse `json:"debit"`
	Credit    TransactionResponse `json:"credit"`
}

type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	NextBefore   int64                 `json:"next_before,omitempty"`
}

func newTransactionResponse(record *domain.TransactionRecord) TransactionResponse {
	return TransactionResponse{
		TransactionID: record.ID,
		AccountID:     record.AccountID.String(),
		Kind:          string(record.Kind),
		Amount:        record.Amount.StringFixed(2),
		Description:   record.Description,
		Reference:     record.Reference.String(),
		Timestamp:     record.Timestamp,
	}
}

func (h *TransactionHandler) Credit(w http.ResponseWriter, r *http.Request) {
	h.applySingle(w, r, h.ledger.Credit)
}

func (h *TransactionHandler) Debit(w http.ResponseWriter, r *http.Request) {
	h.applySingle(w, r, h.ledger.Debit)
}

type singleOperation func(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string) (*domain.TransactionRecord, error)

func (h *TransactionHandler) applySingle(w http.ResponseWriter, r *http.Request, apply singleOperation) {
	accountID, appErr := accountIDVar(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	var req AmountRequest
	if appErr := decodeRequest(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	amount, appErr := parseAmount(req.Amount)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	record, err := apply(r.Context(), accountID, amount, req.Description)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newTransactionResponse(record))
}

func (h *TransactionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if appErr := decodeRequest(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	fromAccountID, err := uuid.Parse(req.FromAccountID)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid from_account_id format").WithDetails(err.Error()))
		return
	}
	amount, appErr := parseAmount(req.Amount)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	out, in, err := h.ledger.Transfer(r.Context(), fromAccountID, req.ToAccountNumber, amount, req.Description)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransferResponse{
		Reference: out.Reference.String(),
		Status:    "completed",
		Debit:     newTransactionResponse(out),
		Credit:    newTransactionResponse(in),
	})
}

// ListTransactions serves one page of the account's history, newest first.
// Clients continue with ?before=<next_before>.
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, appErr := accountIDVar(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	opts, appErr := parseListOptions(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	if opts.Limit == 0 {
		opts.Limit = h.ledger.PageSize()
	}

	records, err := h.ledger.TransactionPage(r.Context(), accountID, opts)
	if err != nil {
		handleError(w, err)
		return
	}

	response := TransactionListResponse{
		Transactions: make([]TransactionResponse, 0, len(records)),
	}
	for i := range records {
		response.Transactions = append(response.Transactions, newTransactionResponse(&records[i]))
	}
	if len(records) == opts.Limit {
		response.NextBefore = records[len(records)-1].ID
	}
	writeJSON(w, http.StatusOK, response)
}

func parseListOptions(r *http.Request) (domain.ListOptions, *errors.AppError) {
	var opts domain.ListOptions
	query := r.URL.Query()

	if raw := query.Get("before"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || before <= 0 {
			return opts, errors.NewAppError(errors.InvalidInput, "before must be a positive transaction id")
		}
		opts.Before = before
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return opts, errors.NewAppError(errors.InvalidInput, "limit must be a positive integer")
		}
		opts.Limit = limit
	}
	return opts, nil
}
