package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"
)

// Providers understood by the model client.
var supportedProviders = map[string]bool{
	"google":            true,
	"anthropic":         true,
	"openai":            true,
	"openrouter":        true,
	"groq":              true,
	"openai_compatible": true,
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("provider", validateProvider)
		_ = v.RegisterValidation("loglevel", validateLogLevel)
		_ = v.RegisterValidation("hostport", validateHostPort)
		_ = v.RegisterValidation("cronexpr", validateCronExpr)
		validate = v
	})
	return validate
}

// ValidationError describes one invalid config field.
type ValidationError struct {
	Field   string
	Tag     string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks struct tags and cross-field rules. Every failing field is
// reported; the result unwraps to the individual ValidationErrors.
func Validate(cfg *Config) error {
	var errs []error
	if err := configValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Tag:     fe.Tag(),
				Value:   fe.Value(),
				Message: messageFor(fe),
			})
		}
	}
	if cfg.Backup.Enabled && cfg.Backup.Schedule == "" {
		errs = append(errs, ValidationError{Field: "Backup.Schedule", Tag: "required", Message: "required when backups are enabled"})
	}
	if cfg.LLM.Provider == "openai_compatible" && cfg.ProviderBaseURL("openai_compatible") == "" {
		errs = append(errs, ValidationError{Field: "LLM.BaseURL", Tag: "required", Message: "required for openai_compatible"})
	}
	return errors.Join(errs...)
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "provider":
		return fmt.Sprintf("unknown provider %q", fe.Value())
	case "loglevel":
		return fmt.Sprintf("unknown log level %q (debug, info, warn, error)", fe.Value())
	case "hostport":
		return fmt.Sprintf("%q is not host:port", fe.Value())
	case "cronexpr":
		return fmt.Sprintf("%q is not a valid cron expression", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func validateProvider(fl validator.FieldLevel) bool {
	return supportedProviders[fl.Field().String()]
}

func validateLogLevel(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func validateHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	return err == nil && port != ""
}

func validateCronExpr(fl validator.FieldLevel) bool {
	return gronx.New().IsValid(fl.Field().String())
}
