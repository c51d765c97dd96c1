package service

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/edutap-eu/esc-native-wallet/internal/repository"
)

const (
	ErrorUnauthorized        = "UNAUTHORIZED"
	ErrorNotFound            = "NOT_FOUND"
	ErrorBadInput            = "BAD_INPUT"
	ErrorRegistryUnavailable = "REGISTRY_UNAVAILABLE"
	ErrorPassBuildFailed     = "PASS_BUILD_FAILED"
	ErrorInternal            = "INTERNAL"
)

func notFoundError(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorNotFound)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func badInputError(field, message string) error {
	return goerrors.NewValidation("invalid request", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).WithCode(http.StatusBadRequest).WithTextCode(ErrorBadInput)
}

// registryError wraps a storage fault. ErrNotFound never reaches here; callers
// translate it into their own outcome first.
func registryError(source error, message string) error {
	return goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(ErrorRegistryUnavailable)
}

func passBuildError(source error) error {
	return goerrors.Wrap(source, goerrors.CategoryExternal, "failed to build pass").
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorPassBuildFailed)
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// HTTPStatus reports the status an error envelope maps to; anything without an
// envelope is an internal error.
func HTTPStatus(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code != 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// TextCode returns the envelope's text code, or ErrorInternal.
func TextCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode != "" {
		return rich.TextCode
	}
	return ErrorInternal
}
