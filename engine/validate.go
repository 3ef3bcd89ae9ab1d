package engine

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var sharedValidator = newValidator()

// ValidateStruct checks req's validate tags and reports failures as one
// ValidationError naming the offending json fields.
func ValidateStruct(req any) error {
	return validateStruct(sharedValidator, req)
}

// newValidator returns a validator that reports json field names and
// compares decimal.Decimal fields numerically.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(f reflect.Value) interface{} {
		d, ok := f.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		out, _ := d.Float64()
		return out
	}, decimal.Decimal{})
	return v
}

// validateStruct runs tag validation and folds failures into one
// ValidationError.
func validateStruct(v *validator.Validate, req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Message: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.TrimPrefix(fe.Namespace(), reflectName(req)+"."))
	}
	return &ValidationError{Field: strings.Join(fields, ","), Message: "is missing or out of range"}
}

func reflectName(req any) string {
	t := reflect.TypeOf(req)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func requireNotes(field, notes string) error {
	if strings.TrimSpace(notes) == "" {
		return invalid(field, "is required")
	}
	return nil
}
