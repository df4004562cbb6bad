package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// ValidationError lists the config fields, or the environment keys that failed to parse,
// which make the configuration unusable.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

func validate(cfg Config, unparsable []string) error {
	fields := append([]string(nil), unparsable...)

	var verrs validator.ValidationErrors
	if err := structValidator.Struct(cfg); errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields = append(fields, strings.TrimPrefix(fe.Namespace(), "Config."))
		}
	} else if err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}

	// Backend selections depend on settings in sibling sections.
	switch cfg.Idempotency.Backend {
	case IdempotencyBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			fields = append(fields, "Firestore.ProjectID")
		}
	case IdempotencyBackendRedis:
		if cfg.Redis.Addr == "" {
			fields = append(fields, "Redis.Addr")
		}
	}
	switch cfg.Analytics.Sink {
	case AnalyticsSinkPubSub:
		if cfg.Analytics.PubSubTopic == "" {
			fields = append(fields, "Analytics.PubSubTopic")
		}
		if cfg.Firestore.ProjectID == "" {
			fields = append(fields, "Firestore.ProjectID")
		}
	case AnalyticsSinkNATS:
		if cfg.Analytics.NATSURL == "" {
			fields = append(fields, "Analytics.NATSURL")
		}
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
