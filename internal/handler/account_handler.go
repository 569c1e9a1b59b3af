package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/domain"
	"branch-ledger/internal/service"
)

type AccountHandler struct {
	ledger *service.LedgerService
}

func NewAccountHandler(ledger *service.LedgerService) *AccountHandler {
	return &AccountHandler{
		ledger: ledger,
	}
}

type OpenAccountRequest struct {
	OwnerID        string `json:"owner_id" validate:"required,max=64"`
	AccountType    string `json:"account_type" validate:"required,oneof=SAVINGS CURRENT"`
	InitialBalance string `json:"initial_balance"`
}

type AccountResponse struct {
	AccountID     string    `json:"account_id"`
	OwnerID       string    `json:"owner_id"`
	AccountNumber string    `json:"account_number"`
	AccountType   string    `json:"account_type"`
	Balance       string    `json:"balance"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type AccountSummaryResponse struct {
	AccountNumber string `json:"account_number"`
	AccountType   string `json:"account_type"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
}

type StatsResponse struct {
	AccountsByType   map[string]int64 `json:"accounts_by_type"`
	AccountsByStatus map[string]int64 `json:"accounts_by_status"`
	TotalBalance     string           `json:"total_balance"`
}

func newAccountResponse(account *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID:     account.ID.String(),
		OwnerID:       account.OwnerID,
		AccountNumber: account.AccountNumber,
		AccountType:   string(account.Type),
		Balance:       account.Balance.StringFixed(2),
		Status:        string(account.Status),
		CreatedAt:     account.CreatedAt,
	}
}

func newSummaryResponse(summary domain.AccountSummary) AccountSummaryResponse {
	return AccountSummaryResponse{
		AccountNumber: summary.AccountNumber,
		AccountType:   string(summary.Type),
		Balance:       summary.Balance.StringFixed(2),
		Status:        string(summary.Status),
	}
}

func (h *AccountHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if appErr := decodeRequest(w, r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	initialBalance := decimal.Zero
	if strings.TrimSpace(req.InitialBalance) != "" {
		amount, appErr := parseAmount(req.InitialBalance)
		if appErr != nil {
			writeError(w, appErr)
			return
		}
		initialBalance = amount
	}

	account, err := h.ledger.OpenAccount(r.Context(), service.OpenAccountRequest{
		OwnerID:        req.OwnerID,
		Type:           domain.AccountType(req.AccountType),
		InitialBalance: initialBalance,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newAccountResponse(account))
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, appErr := accountIDVar(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	account, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newAccountResponse(account))
}

func (h *AccountHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	accountID, appErr := accountIDVar(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	account, err := h.ledger.CloseAccount(r.Context(), accountID)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newAccountResponse(account))
}

func (h *AccountHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountID, appErr := accountIDVar(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	result, err := h.ledger.Reconcile(r.Context(), accountID)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *AccountHandler) GetOwnerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.GetAccountSummary(r.Context(), mux.Vars(r)["owner_id"])
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSummaryResponse(*summary))
}

func (h *AccountHandler) ListOwnerAccounts(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.ledger.ListAccountSummaries(r.Context(), mux.Vars(r)["owner_id"])
	if err != nil {
		handleError(w, err)
		return
	}

	response := make([]AccountSummaryResponse, 0, len(summaries))
	for _, summary := range summaries {
		response = append(response, newSummaryResponse(summary))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *AccountHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	response := StatsResponse{
		AccountsByType:   make(map[string]int64, len(stats.AccountsByType)),
		AccountsByStatus: make(map[string]int64, len(stats.AccountsByStatus)),
		TotalBalance:     stats.TotalBalance.StringFixed(2),
	}
	for accountType, n := range stats.AccountsByType {
		response.AccountsByType[string(accountType)] = n
	}
	for status, n := range stats.AccountsByStatus {
		response.AccountsByStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, response)
}
