package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

var errInvalidPhone = errors.New("invalid phone number")

// FieldError is the first problem found in a request body.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// BindAndValidate binds JSON body into `out` and runs validation.
// If validation fails, it writes a 400 response and returns an error for the handler to short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body",
			"code":    "VALIDATION_ERROR",
		})
		return err
	}

	if err := Check(v, out); err != nil {
		body := gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "VALIDATION_ERROR",
		}
		var fe *FieldError
		if errors.As(err, &fe) {
			body["error"] = fe.Message
			body["field"] = fe.Field
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
		return err
	}
	return nil
}

// Check validates out and reports the first failing field as a *FieldError.
func Check(v *validatorv10.Validate, out interface{}) error {
	err := v.Struct(out)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err
	}
	fe := ve[0]
	return &FieldError{Field: fieldPath(fe), Message: message(fe)}
}

// fieldPath drops the root struct name: "pricing.subtotal", "items[0].quantity".
func fieldPath(fe validatorv10.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validatorv10.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_if":
		if fe.Field() == "deliveryAddress" {
			return "Delivery address is required for delivery orders"
		}
		return field + " is required"
	case "email":
		return "Invalid email address"
	case "phone":
		return "Invalid phone number"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s cannot be negative", field)
	}
	return field + " is invalid"
}
