package orders

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to API clients.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeInsufficientInventory = "INSUFFICIENT_INVENTORY"
	CodeDatabase              = "DATABASE_ERROR"
	CodeServer                = "SERVER_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidStatus         = "INVALID_STATUS"
	CodeGracePeriodExpired    = "GRACE_PERIOD_EXPIRED"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusMismatch is returned when a conditional status transition finds
	// the order in a different status.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrInsufficientBalance is returned when a wallet debit would overdraw.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
)

// Error is a typed order-domain failure.
type Error struct {
	Code       string
	Message    string
	Field      string
	MenuItemID string
	Available  *int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInsufficientInventory:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidStatus, CodeGracePeriodExpired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func validationError(field, msg string) *Error {
	return &Error{Code: CodeValidation, Field: field, Message: msg}
}

func databaseError(msg string, err error) *Error {
	return &Error{Code: CodeDatabase, Message: msg, Err: err}
}

func inventoryError(name, menuItemID string, available *int) *Error {
	msg := fmt.Sprintf("%s is no longer available in the requested quantity", name)
	if available != nil {
		msg = fmt.Sprintf("Only %d of %s left in stock", *available, name)
	}
	return &Error{
		Code:       CodeInsufficientInventory,
		Message:    msg,
		Field:      "items",
		MenuItemID: menuItemID,
		Available:  available,
	}
}

// AsError converts any error into a typed Error; unknown errors become
// SERVER_ERROR.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeServer, Message: "internal server error", Err: err}
}
