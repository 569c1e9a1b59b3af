package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"branch-ledger/internal/config"
	"branch-ledger/internal/domain"
	"branch-ledger/internal/errors"
	"branch-ledger/internal/repository"
	"branch-ledger/internal/server"
)

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer *postgres.PostgresContainer
	serverInstance    *server.Server
	baseURL           string
	client            *http.Client
	db                *sql.DB

	alice account
	bob   account
}

type account struct {
	AccountID     string `json:"account_id"`
	AccountNumber string `json:"account_number"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
}

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("branch_ledger"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		suite.T().Fatalf("Failed to get container host: %s", err)
	}
	port, err := postgresContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		suite.T().Fatalf("Failed to get mapped port: %s", err)
	}

	cfg := &config.Config{
		DBHost:               host,
		DBPort:               port.Port(),
		DBUser:               "postgres",
		DBPassword:           "password",
		DBName:               "branch_ledger",
		DBSSLMode:            "disable",
		ServerPort:           "0", // Let OS choose a free port
		StorageDriver:        config.StorageDriverPostgres,
		LockWaitTimeout:      5 * time.Second,
		TransactionsPageSize: 50,
	}

	// The server applies the migrations on start.
	serverInstance, serverPort, err := server.StartServer(cfg)
	if err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}
	suite.serverInstance = serverInstance
	suite.baseURL = "http://localhost:" + serverPort
	suite.client = &http.Client{Timeout: 30 * time.Second}

	suite.db, err = sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		suite.T().Fatalf("Failed to open database: %s", err)
	}

	if err := suite.waitForServerReady(); err != nil {
		suite.T().Fatal(err)
	}
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.db != nil {
		suite.db.Close()
	}
	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}
	if suite.postgresContainer != nil {
		testcontainers.TerminateContainer(suite.postgresContainer)
	}
}

func (suite *IntegrationTestSuite) do(method, path string, body interface{}) (int, apiResponse) {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, suite.baseURL+path, reader)
	suite.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := suite.client.Do(req)
	suite.Require().NoError(err)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		suite.T().Logf("Failed to parse response: %s", respBody)
	}
	return resp.StatusCode, parsed
}

func (suite *IntegrationTestSuite) openAccount(owner, accountType, balance string) account {
	status, resp := suite.do(http.MethodPost, "/accounts", map[string]string{
		"owner_id":        owner,
		"account_type":    accountType,
		"initial_balance": balance,
	})
	suite.Require().Equal(http.StatusCreated, status)

	var a account
	suite.Require().NoError(json.Unmarshal(resp.Data, &a))
	return a
}

func (suite *IntegrationTestSuite) balance(accountID string) string {
	status, resp := suite.do(http.MethodGet, "/accounts/"+accountID, nil)
	suite.Require().Equal(http.StatusOK, status)

	var a account
	suite.Require().NoError(json.Unmarshal(resp.Data, &a))
	return a.Balance
}

func (suite *IntegrationTestSuite) transfer(from account, to string, amount string) (int, apiResponse) {
	return suite.do(http.MethodPost, "/transfers", map[string]string{
		"from_account_id":   from.AccountID,
		"to_account_number": to,
		"amount":            amount,
	})
}

func (suite *IntegrationTestSuite) assertDecimalEqual(expected, actual string) {
	expectedDec := decimal.RequireFromString(expected)
	actualDec, err := decimal.NewFromString(actual)
	if err != nil {
		suite.T().Fatalf("Invalid actual decimal: %s", actual)
	}
	assert.True(suite.T(), expectedDec.Equal(actualDec),
		"Decimal values not equal: expected %s, got %s", expected, actual)
}

func (suite *IntegrationTestSuite) assertErrorCode(expectedStatus int, expectedCode string, status int, resp apiResponse) {
	assert.Equal(suite.T(), expectedStatus, status)
	if assert.NotNil(suite.T(), resp.Error, "Response should have 'error' field for error cases") {
		assert.Equal(suite.T(), expectedCode, resp.Error.Code)
	}
}

// ------------------------------------------------------------------
// Steps below are executed in the order invoked by TestFlow.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepOpenAccounts() {
	suite.alice = suite.openAccount("alice", "SAVINGS", "500.00")
	suite.bob = suite.openAccount("bob", "CURRENT", "100.00")

	assert.Len(suite.T(), suite.alice.AccountNumber, 8)
	assert.Equal(suite.T(), "ACTIVE", suite.alice.Status)
	suite.assertDecimalEqual("500.00", suite.balance(suite.alice.AccountID))

	var deposits int
	err := suite.db.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE account_id = $1 AND kind = 'CREDIT' AND description = 'Initial deposit'`,
		suite.alice.AccountID).Scan(&deposits)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 1, deposits)
}

func (suite *IntegrationTestSuite) stepTransfer() {
	status, resp := suite.transfer(suite.alice, suite.bob.AccountNumber, "200.00")
	suite.Require().Equal(http.StatusCreated, status, "transfer failed: %+v", resp.Error)

	suite.assertDecimalEqual("300.00", suite.balance(suite.alice.AccountID))
	suite.assertDecimalEqual("300.00", suite.balance(suite.bob.AccountID))

	var legs int
	var reference uuid.UUID
	err := suite.db.QueryRow(
		`SELECT reference FROM transactions WHERE account_id = $1 AND kind = 'TRANSFER_OUT'`,
		suite.alice.AccountID).Scan(&reference)
	suite.Require().NoError(err)
	err = suite.db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE reference = $1`, reference).Scan(&legs)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), 2, legs)
}

func (suite *IntegrationTestSuite) stepCreditAndDebit() {
	status, _ := suite.do(http.MethodPost, "/accounts/"+suite.bob.AccountID+"/credits", map[string]string{"amount": "50.00"})
	assert.Equal(suite.T(), http.StatusCreated, status)
	suite.assertDecimalEqual("350.00", suite.balance(suite.bob.AccountID))

	status, resp := suite.do(http.MethodPost, "/accounts/"+suite.bob.AccountID+"/debits", map[string]string{"amount": "1000.00"})
	suite.assertErrorCode(http.StatusUnprocessableEntity, "insufficient_funds", status, resp)
	suite.assertDecimalEqual("350.00", suite.balance(suite.bob.AccountID))

	status, _ = suite.do(http.MethodPost, "/accounts/"+suite.bob.AccountID+"/debits", map[string]string{"amount": "50.00"})
	assert.Equal(suite.T(), http.StatusCreated, status)
	suite.assertDecimalEqual("300.00", suite.balance(suite.bob.AccountID))
}

func (suite *IntegrationTestSuite) stepRejectedTransfers() {
	status, resp := suite.transfer(suite.alice, "99999999", "10.00")
	suite.assertErrorCode(http.StatusNotFound, "recipient_not_found", status, resp)

	status, resp = suite.transfer(suite.alice, suite.alice.AccountNumber, "10.00")
	suite.assertErrorCode(http.StatusBadRequest, "self_transfer_rejected", status, resp)

	status, resp = suite.transfer(suite.alice, suite.bob.AccountNumber, "0.00")
	suite.assertErrorCode(http.StatusBadRequest, "invalid_amount", status, resp)

	status, resp = suite.transfer(suite.alice, suite.bob.AccountNumber, "10000.00")
	suite.assertErrorCode(http.StatusUnprocessableEntity, "insufficient_funds", status, resp)

	suite.assertDecimalEqual("300.00", suite.balance(suite.alice.AccountID))
	suite.assertDecimalEqual("300.00", suite.balance(suite.bob.AccountID))
}

func (suite *IntegrationTestSuite) stepConcurrentOppositeTransfers() {
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			if status, resp := suite.transfer(suite.alice, suite.bob.AccountNumber, "5.00"); status != http.StatusCreated {
				return fmt.Errorf("alice to bob: %d %+v", status, resp.Error)
			}
			return nil
		})
		g.Go(func() error {
			if status, resp := suite.transfer(suite.bob, suite.alice.AccountNumber, "3.00"); status != http.StatusCreated {
				return fmt.Errorf("bob to alice: %d %+v", status, resp.Error)
			}
			return nil
		})
	}
	suite.Require().NoError(g.Wait())

	// 20 * (5 - 3) moved from alice to bob.
	suite.assertDecimalEqual("260.00", suite.balance(suite.alice.AccountID))
	suite.assertDecimalEqual("340.00", suite.balance(suite.bob.AccountID))
}

func (suite *IntegrationTestSuite) stepReconciliation() {
	for _, a := range []account{suite.alice, suite.bob} {
		status, resp := suite.do(http.MethodGet, "/accounts/"+a.AccountID+"/reconciliation", nil)
		suite.Require().Equal(http.StatusOK, status)

		var rec struct {
			Balanced bool `json:"balanced"`
		}
		suite.Require().NoError(json.Unmarshal(resp.Data, &rec))
		assert.True(suite.T(), rec.Balanced, "account %s does not reconcile", a.AccountNumber)
	}

	var total string
	err := suite.db.QueryRow(`SELECT SUM(balance)::TEXT FROM accounts`).Scan(&total)
	suite.Require().NoError(err)
	suite.assertDecimalEqual("600.00", total)
}

func (suite *IntegrationTestSuite) stepTransactionLogIsAppendOnly() {
	_, err := suite.db.Exec(`UPDATE transactions SET amount = amount + 1 WHERE account_id = $1`, suite.alice.AccountID)
	assert.Error(suite.T(), err)

	_, err = suite.db.Exec(`DELETE FROM transactions WHERE account_id = $1`, suite.alice.AccountID)
	assert.Error(suite.T(), err)
}

func (suite *IntegrationTestSuite) stepStoreRollsBackFailedUnitOfWork() {
	ctx := context.Background()
	store := repository.NewStore(suite.db, config.DiscardLogger())
	accountID := uuid.MustParse(suite.alice.AccountID)

	boom := stderrors.New("log write failed")
	err := store.WithTransaction(ctx, func(uow domain.UnitOfWork) error {
		current, err := uow.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if _, err := uow.Accounts().ApplyDelta(ctx, accountID, decimal.NewFromInt(-100), current.Version); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(suite.T(), err, boom)
	suite.assertDecimalEqual("260.00", suite.balance(suite.alice.AccountID))

	_, err = store.Accounts().ApplyDelta(ctx, accountID, decimal.NewFromInt(-1000), 0)
	assert.Error(suite.T(), err)

	current, err := store.Accounts().GetByID(ctx, accountID)
	suite.Require().NoError(err)
	_, err = store.Accounts().ApplyDelta(ctx, accountID, decimal.NewFromInt(-1000), current.Version)
	assert.ErrorIs(suite.T(), err, errors.ErrInsufficientFunds)
}

func (suite *IntegrationTestSuite) stepPagingAcceptsBigintCursor() {
	ctx := context.Background()
	store := repository.NewStore(suite.db, config.DiscardLogger())
	cursor := int64(1) << 40

	records, err := store.Transactions().ListByAccount(ctx, uuid.MustParse(suite.alice.AccountID),
		domain.ListOptions{Before: cursor, Limit: 2})
	suite.Require().NoError(err)
	assert.Len(suite.T(), records, 2)

	status, resp := suite.do(http.MethodGet,
		fmt.Sprintf("/accounts/%s/transactions?before=%d&limit=2", suite.alice.AccountID, cursor), nil)
	suite.Require().Equal(http.StatusOK, status)
	var page struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	suite.Require().NoError(json.Unmarshal(resp.Data, &page))
	assert.Len(suite.T(), page.Transactions, 2)
}

func (suite *IntegrationTestSuite) stepCloseAccount() {
	carol := suite.openAccount("carol", "CURRENT", "0")

	status, resp := suite.do(http.MethodPost, "/accounts/"+suite.alice.AccountID+"/close", nil)
	suite.assertErrorCode(http.StatusConflict, "non_zero_balance", status, resp)

	status, _ = suite.do(http.MethodPost, "/accounts/"+carol.AccountID+"/close", nil)
	assert.Equal(suite.T(), http.StatusOK, status)

	status, resp = suite.transfer(suite.alice, carol.AccountNumber, "1.00")
	suite.assertErrorCode(http.StatusNotFound, "recipient_not_found", status, resp)
}

func (suite *IntegrationTestSuite) stepOwnerSummary() {
	suite.openAccount("alice", "CURRENT", "1.00")

	status, resp := suite.do(http.MethodGet, "/owners/alice/summary", nil)
	suite.Require().Equal(http.StatusOK, status)
	var summary struct {
		AccountNumber string `json:"account_number"`
		AccountType   string `json:"account_type"`
	}
	suite.Require().NoError(json.Unmarshal(resp.Data, &summary))
	assert.Equal(suite.T(), suite.alice.AccountNumber, summary.AccountNumber)
	assert.Equal(suite.T(), "SAVINGS", summary.AccountType)

	status, resp = suite.do(http.MethodGet, "/owners/alice/accounts", nil)
	suite.Require().Equal(http.StatusOK, status)
	var summaries []json.RawMessage
	suite.Require().NoError(json.Unmarshal(resp.Data, &summaries))
	assert.Len(suite.T(), summaries, 2)
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepOpenAccounts()
	suite.stepTransfer()
	suite.stepCreditAndDebit()
	suite.stepRejectedTransfers()
	suite.stepConcurrentOppositeTransfers()
	suite.stepReconciliation()
	suite.stepTransactionLogIsAppendOnly()
	suite.stepStoreRollsBackFailedUnitOfWork()
	suite.stepPagingAcceptsBigintCursor()
	suite.stepCloseAccount()
	suite.stepOwnerSummary()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
