package surveyor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies audit failures. The values appear verbatim as
// `error.code` on artifacts and as the reason on PageError events.
type ErrorKind string

const (
	KindConfigError        ErrorKind = "ConfigError"
	KindSitemapFetchError  ErrorKind = "SitemapFetchError"
	KindNavigationTimeout  ErrorKind = "NavigationTimeout"
	KindSessionCrash       ErrorKind = "SessionCrash"
	KindHTTP5xxTransient   ErrorKind = "Http5xxTransient"
	KindHTTP4xx            ErrorKind = "Http4xx"
	KindHTTP3xxUnfollowed  ErrorKind = "Http3xxUnfollowed"
	KindModuleError        ErrorKind = "ModuleError"
	KindPersistError       ErrorKind = "PersistError"
	KindBrowserLaunchError ErrorKind = "BrowserLaunchError"
)

// AuditError is the typed error for every pipeline failure. Module is
// set only for KindModuleError.
type AuditError struct {
	Kind   ErrorKind
	Module string
	Err    error
}

func (e *AuditError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Module, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AuditError) Unwrap() error {
	return e.Err
}

// Retriable reports whether the failure should re-enter the backoff
// loop rather than terminate the URL.
func (e *AuditError) Retriable() bool {
	switch e.Kind {
	case KindNavigationTimeout, KindSessionCrash, KindHTTP5xxTransient:
		return true
	}
	return false
}

// Fatal reports whether the failure aborts the whole run.
func (e *AuditError) Fatal() bool {
	switch e.Kind {
	case KindConfigError, KindSitemapFetchError, KindBrowserLaunchError:
		return true
	}
	return false
}

// NewAuditError wraps err with a kind.
func NewAuditError(kind ErrorKind, err error) *AuditError {
	return &AuditError{Kind: kind, Err: err}
}

// NewModuleError wraps a per-module failure.
func NewModuleError(module string, err error) *AuditError {
	return &AuditError{Kind: KindModuleError, Module: module, Err: err}
}

// KindOf extracts the ErrorKind from an error chain; unknown errors
// report an empty kind.
func KindOf(err error) ErrorKind {
	var ae *AuditError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// ErrorInfoFrom converts an error chain to the artifact error object.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var ae *AuditError
	if errors.As(err, &ae) {
		return &ErrorInfo{Code: string(ae.Kind), Message: ae.Error()}
	}
	return &ErrorInfo{Code: "InternalError", Message: err.Error()}
}
