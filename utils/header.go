package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	return validate
}

// DecodeHeader decodes a base64 JSON header value into v and validates it
// using its struct tags. Both standard and URL-safe alphabets are accepted.
func DecodeHeader(value string, v any) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("header is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
		if err != nil {
			return fmt.Errorf("header is not base64: %w", err)
		}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("header is not valid json: %w", err)
	}

	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// EncodeHeader renders v as base64 JSON.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
