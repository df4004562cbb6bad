package checkout

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError reports a locally detected validation failure on a named field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("checkout: invalid %s: %s", e.Field, e.Reason)
}

const phoneField = "phone_number"

var phoneValidator = validator.New()

// FormatE164 normalises a national or international number to +<cc><national> and checks
// the national digit count against the country's allowed lengths.
func FormatE164(country Country, raw string) (string, error) {
	if country.DialCode <= 0 {
		return "", &FieldError{Field: phoneField, Reason: "country is required"}
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &FieldError{Field: phoneField, Reason: "phone number is required"}
	}

	international := strings.HasPrefix(trimmed, "+")
	var digits strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", &FieldError{Field: phoneField, Reason: "phone number contains invalid characters"}
		}
	}
	national := digits.String()
	if strings.HasPrefix(national, "00") && !international {
		international = true
		national = national[2:]
	}
	cc := strconv.Itoa(country.DialCode)
	if international {
		if !strings.HasPrefix(national, cc) {
			return "", &FieldError{Field: phoneField, Reason: fmt.Sprintf("phone number must use country code +%s", cc)}
		}
		national = national[len(cc):]
	}

	if len(country.ValidDigits) > 0 && !slices.Contains(country.ValidDigits, len(national)) {
		return "", &FieldError{
			Field:  phoneField,
			Reason: fmt.Sprintf("expected %s digits, got %d", joinLengths(country.ValidDigits), len(national)),
		}
	}
	formatted := "+" + cc + national
	if err := phoneValidator.Var(formatted, "e164"); err != nil {
		return "", &FieldError{Field: phoneField, Reason: "phone number is not a valid international number"}
	}
	return formatted, nil
}

func joinLengths(lengths []int) string {
	parts := make([]string, 0, len(lengths))
	for _, n := range lengths {
		parts = append(parts, strconv.Itoa(n))
	}
	return strings.Join(parts, " or ")
}
