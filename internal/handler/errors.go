package handler

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	goerrors "github.com/goliatone/go-errors"

	"github.com/edutap-eu/esc-native-wallet/internal/service"
	"github.com/edutap-eu/esc-native-wallet/pkg/response"
)

// writeError is the single place handlers turn an error into a response.
func writeError(w http.ResponseWriter, err error) {
	response.FromError(w, err)
}

// validationError converts validator failures into a bad-input envelope with
// one field error per failed rule.
func validationError(err error) error {
	var fields []goerrors.FieldError
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields = append(fields, goerrors.FieldError{
				Field:   fe.Field(),
				Message: "failed on " + fe.Tag(),
			})
		}
	} else {
		fields = append(fields, goerrors.FieldError{Field: "body", Message: err.Error()})
	}

	return goerrors.NewValidation("invalid request", fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(service.ErrorBadInput)
}

func malformedBody() error {
	return goerrors.NewValidation("invalid request payload", goerrors.FieldError{
		Field:   "body",
		Message: "malformed JSON",
	}).WithCode(http.StatusBadRequest).WithTextCode(service.ErrorBadInput)
}
