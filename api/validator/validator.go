// Package validator checks decoded request bodies against their `validate`
// struct tags and reports the failures by JSON field name.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator wraps the underlying validation library.
type Validator struct {
	cli *validator.Validate
}

// ValidationError represents an error encountered during validation of a
// request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New initializes and returns a new instance of the Validator. Fields are
// reported under their json names.
func New() *Validator {
	cli := validator.New(validator.WithRequiredStructEnabled())
	cli.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return &Validator{cli: cli}
}

// ValidateStruct validates s and returns one error per rejected field.
func (v *Validator) ValidateStruct(s any) []ValidationError {
	if err := v.cli.Struct(s); err != nil {
		return formatError(err, "")
	}
	return nil
}

// Validate checks a single value against tag, reporting failures under
// field.
func (v *Validator) Validate(field string, value any, tag string) []ValidationError {
	if err := v.cli.Var(value, tag); err != nil {
		return formatError(err, field)
	}
	return nil
}

func formatError(err error, field string) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Field: field, Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if name == "" {
			name = field
		}
		out = append(out, ValidationError{Field: name, Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "timezone":
		return "unknown time zone"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed the %q check", fe.Tag())
	}
}
