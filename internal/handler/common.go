package handler

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"branch-ledger/internal/errors"
)

const (
	maxBodyBytes = 1 << 20
	retryAfter   = "1"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	if appErr.Retryable() {
		w.Header().Set("Retry-After", retryAfter)
	}

	statusCode := appErr.HTTPStatus()
	errResponse := Error{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		Retryable: appErr.Retryable(),
	}
	if appErr.Code == errors.InternalError {
		errResponse.Details = ""
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{Error: &errResponse})
}

// handleError writes err, which may be any error returned by the service.
func handleError(w http.ResponseWriter, err error) {
	writeError(w, errors.AsAppError(err))
}

// decodeRequest reads a JSON body into dst and validates its struct tags.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) *errors.AppError {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}

	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !stderrors.As(err, &fieldErrs) {
			return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
		}
		details := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			details = append(details, describeFieldError(fe))
		}
		return errors.NewAppError(errors.InvalidInput, "request validation failed").WithDetails(strings.Join(details, "; "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func parseAmount(raw string) (decimal.Decimal, *errors.AppError) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error())
	}
	return amount, nil
}

func accountIDVar(r *http.Request) (uuid.UUID, *errors.AppError) {
	id, err := uuid.Parse(mux.Vars(r)["account_id"])
	if err != nil {
		// Ids that can never exist are reported like any unknown account.
		return uuid.Nil, errors.ErrAccountNotFound
	}
	return id, nil
}

// RateLimited answers requests rejected by the rate limiter.
func RateLimited(w http.ResponseWriter, _ *http.Request) {
	writeError(w, errors.ErrRateLimited)
}
