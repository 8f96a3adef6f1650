package validation

import (
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

// DefaultPhoneRegion is used when no region is configured.
const DefaultPhoneRegion = "US"

// New returns a configured validator. Field names in errors are the JSON
// names, decimals validate as numbers and the "phone" tag checks numbers
// against phoneRegion.
func New(phoneRegion string) *validatorv10.Validate {
	if phoneRegion == "" {
		phoneRegion = DefaultPhoneRegion
	}
	v := validatorv10.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("phone", func(fl validatorv10.FieldLevel) bool {
		_, err := NormalizePhone(fl.Field().String(), phoneRegion)
		return err == nil
	})

	return v
}

// NormalizePhone parses raw in region and returns it in E.164 form.
func NormalizePhone(raw, region string) (string, error) {
	if region == "" {
		region = DefaultPhoneRegion
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", errInvalidPhone
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
