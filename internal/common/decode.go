package common

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// DecodeJSON decodes the request body into dst and runs struct validation.
// Failures are returned as 400 AppErrors with per-field details.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return NewAppError("BAD_REQUEST", "invalid body", http.StatusBadRequest, err)
	}
	return Validate(dst)
}

// Validate runs go-playground validation tags against v.
func Validate(v any) error {
	if err := defaultValidator.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[lowerFirst(fe.Field())] = fe.Tag()
			}
			return NewAppError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest, err).WithDetails(fields)
		}
		return NewAppError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest, err)
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
