package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	vmNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)
	// multipass size grammar: a number with an optional K/M/G suffix
	sizePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[KMG]?(i?B)?$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	v.RegisterValidation("vmname", func(fl validator.FieldLevel) bool {
		return ValidVMName(fl.Field().String())
	})
	v.RegisterValidation("size", func(fl validator.FieldLevel) bool {
		return sizePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidVMName reports whether name is acceptable to multipass: a letter
// followed by letters, digits or hyphens.
func ValidVMName(name string) bool {
	return vmNamePattern.MatchString(name)
}

// FieldError is one rejected field of a request
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every rejected field of a request.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks v against its validate tags.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "vmname":
		return fmt.Sprintf("%s %q must start with a letter and contain only letters, digits and hyphens", field, fe.Value())
	case "size":
		return fmt.Sprintf("%s %q must be a size such as 512M or 5G", field, fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
