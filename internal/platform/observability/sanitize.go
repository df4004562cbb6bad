package observability

import (
	"net/url"
	"strings"
	"unicode"
)

// Rune limits per logged value class.
const (
	idLimit     = 64
	routeLimit  = 180
	urlLimit    = 256
	valueLimit  = 512
	methodLimit = 10
)

// Log keys that name a checkout, order, attempt or caller.
var idKeys = map[string]bool{
	"checkoutid": true,
	"orderid":    true,
	"orderno":    true,
	"attemptid":  true,
	"user_id":    true,
	"userid":     true,
	"request_id": true,
}

// SanitizeField renders a string destined for the log line under key. Payment URLs lose their
// query and fragment, phone numbers keep only their last four digits, identifiers are capped
// short. Control characters never reach the output.
func SanitizeField(key, value string) string {
	lower := strings.ToLower(key)
	switch {
	case lower == "url" || strings.HasSuffix(lower, "url") || lower == "deeplink":
		return SanitizeURL(value)
	case strings.Contains(lower, "phone"):
		return maskPhone(value)
	case idKeys[lower]:
		return clean(value, idLimit)
	default:
		return clean(value, valueLimit)
	}
}

// SanitizeRoute caps a chi route pattern; an empty route logs as "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, routeLimit)
}

func SanitizeMethod(method string) string {
	return clean(method, methodLimit)
}

// SanitizeUserID caps a Firebase uid.
func SanitizeUserID(uid string) string {
	return clean(uid, idLimit)
}

// SanitizeURL keeps scheme, host and path. Hosted payment pages and deep links put session
// tokens and PayPal payer ids in the query and fragment, so neither is logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable url]"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return clean(u.String(), urlLimit)
}

func maskPhone(raw string) string {
	var digits []rune
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

func clean(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
