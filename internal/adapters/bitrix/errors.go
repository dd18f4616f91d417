package bitrix

import (
	"errors"
	"fmt"
	"strings"

	"wuzapi-bitrix-integration/internal/apperr"
)

// ErrAlreadyBound is returned by bind calls for a subscription or placement
// that already exists.
var ErrAlreadyBound = errors.New("already bound")

// classify turns a REST error code into an apperr kind.
func classify(op string, status int, code, description string) error {
	detail := code
	if description != "" {
		detail = fmt.Sprintf("%s: %s", code, description)
	}
	switch strings.ToUpper(code) {
	case "EXPIRED_TOKEN", "INVALID_TOKEN", "NO_AUTH_FOUND", "INVALID_GRANT", "WRONG_AUTH_TYPE":
		return apperr.Auth(op, "%s", detail)
	case "QUERY_LIMIT_EXCEEDED", "OVERLOAD_LIMIT", "INTERNAL_SERVER_ERROR":
		return apperr.Transient(op, "%s", detail)
	case "ERROR_METHOD_NOT_FOUND", "ERROR_NOT_FOUND", "NOT_FOUND":
		return apperr.NotFound(op, "%s", detail)
	}
	if alreadyBound(code, description) {
		return fmt.Errorf("%s: %w (%s)", op, ErrAlreadyBound, detail)
	}
	if status >= 400 {
		return apperr.FromStatus(op, status, detail)
	}
	return apperr.Validation(op, "%s", detail)
}

func alreadyBound(code, description string) bool {
	text := strings.ToLower(code + " " + description)
	return strings.Contains(text, "already") && (strings.Contains(text, "bind") || strings.Contains(text, "bound"))
}
