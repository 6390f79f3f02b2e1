package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// ConfigValidator performs structural and semantic validation of audit
// configurations before a run is accepted. All failures are collected
// in one pass so the API can report them together.
type ConfigValidator struct {
	validator *validator.Validate
}

// NewConfigValidator constructs a ConfigValidator with standard struct
// validation. Field names in errors follow the JSON wire names.
func NewConfigValidator() *ConfigValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &ConfigValidator{validator: v}
}

// ValidationError aggregates every failed field of one config.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+" "+msg)
	}
	sort.Strings(parts)
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// ValidateConfig checks cfg after defaults were applied. A non-nil
// return is always a *ValidationError carrying all failed fields.
func (v *ConfigValidator) ValidateConfig(cfg *surveyor.AuditConfig) error {
	fields := make(map[string]string)

	if err := v.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Fields: map[string]string{"config": err.Error()}}
		}
		for _, fe := range verrs {
			fields[fe.Field()] = tagMessage(fe)
		}
	}

	if cfg.IncludePattern != "" {
		if _, err := CompilePattern(cfg.IncludePattern); err != nil {
			fields["includePattern"] = fmt.Sprintf("invalid regex: %v", err)
		}
	}
	if cfg.ExcludePattern != "" {
		if _, err := CompilePattern(cfg.ExcludePattern); err != nil {
			fields["excludePattern"] = fmt.Sprintf("invalid regex: %v", err)
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// CompilePattern compiles a user-supplied URL filter pattern. Matching
// is case-insensitive regardless of how the pattern is written.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required unless urls is provided"
	case "url":
		return "must be a valid URL"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
