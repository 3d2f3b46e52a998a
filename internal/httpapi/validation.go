package httpapi

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{9,14}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(jsonFieldName)
	return v
}

// validationMessages flattens validator errors into field -> message.
func validationMessages(err error) map[string]string {
	out := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		out["body"] = "invalid request payload"
		return out
	}
	for _, e := range validationErrors {
		field := e.Field()
		switch e.Tag() {
		case "required":
			out[field] = field + " is required"
		case "min":
			out[field] = field + " must be at least " + e.Param() + " characters"
		case "max":
			out[field] = field + " must be at most " + e.Param() + " characters"
		case "phone":
			out[field] = field + " must be a valid phone number"
		case "uuid":
			out[field] = field + " must be a UUID"
		default:
			out[field] = field + " is invalid"
		}
	}
	return out
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return field.Name
	}
	return name
}
