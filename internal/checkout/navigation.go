package checkout

import (
	"net/url"
	"strings"
)

// NavigationDecision tells the hosted payment page whether to keep loading a URL.
type NavigationDecision string

const (
	NavigationProceed   NavigationDecision = "proceed"
	NavigationIntercept NavigationDecision = "intercept"
)

// SignalKind classifies a navigation or deep link.
type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalSuccess
	SignalCancel
	SignalError
)

// NavigationSignal is what a URL says about the payment.
type NavigationSignal struct {
	Kind      SignalKind
	PaymentID string
	PayerID   string
	Params    url.Values
}

var (
	cancelMarkers  = []string{"payment-cancel", "payment_cancel", "/cancel", "cancelled", "canceled"}
	errorMarkers   = []string{"payment-error", "payment_error", "payment-fail", "payment_fail", "/error", "failure"}
	successMarkers = []string{"payment-success", "payment_success", "/success", "paysuccess"}
)

// ClassifyNavigation inspects a URL for completion signals. Provider return parameters
// (paymentId with PayerID, or a checkout session id) count as success; otherwise the path and
// host are matched against cancel, error and success markers in that order.
func ClassifyNavigation(rawURL string) NavigationSignal {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return NavigationSignal{}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return NavigationSignal{}
	}
	params := u.Query()
	signal := NavigationSignal{
		PaymentID: firstParam(params, "paymentId", "payment_id", "token"),
		PayerID:   firstParam(params, "PayerID", "payerId", "payer_id"),
		Params:    params,
	}

	// Custom schemes carry the marker in the host, e.g. app://payment-success?...
	target := strings.ToLower(u.Host + u.Path)
	if u.Scheme != "http" && u.Scheme != "https" {
		target = strings.ToLower(u.Scheme + "://" + u.Host + u.Path)
	}

	switch {
	case containsAny(target, cancelMarkers):
		signal.Kind = SignalCancel
	case containsAny(target, errorMarkers):
		signal.Kind = SignalError
	case signal.PaymentID != "" && signal.PayerID != "":
		signal.Kind = SignalSuccess
	case params.Get("session_id") != "":
		signal.Kind = SignalSuccess
	case containsAny(target, successMarkers):
		signal.Kind = SignalSuccess
	}
	return signal
}

func firstParam(params url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(params.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
