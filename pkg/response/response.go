package response

import (
	"encoding/json"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

type Response struct {
	Success bool                      `json:"success"`
	Data    interface{}               `json:"data,omitempty"`
	Error   string                    `json:"error,omitempty"`
	Code    string                    `json:"code,omitempty"`
	Fields  goerrors.ValidationErrors `json:"fields,omitempty"`
}

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

// Raw writes data without the JSON envelope, for protocol endpoints whose
// bodies are fixed by the client.
func Raw(w http.ResponseWriter, statusCode int, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	w.Write(data)
}

// RawJSON encodes v as the whole body.
func RawJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// Status writes a bodiless response.
func Status(w http.ResponseWriter, statusCode int) {
	w.WriteHeader(statusCode)
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Error(w http.ResponseWriter, statusCode int, err string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   err,
	})
}

// FromError writes err using its envelope's status, text code and field
// errors. Errors without an envelope become an opaque 500.
func FromError(w http.ResponseWriter, err error) {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		InternalError(w, "internal server error")
		return
	}

	status := rich.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := rich.Message
	if status >= http.StatusInternalServerError && rich.Category == goerrors.CategoryInternal {
		message = "internal server error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   message,
		Code:    rich.TextCode,
		Fields:  rich.AllValidationErrors(),
	})
}

func Unauthorized(w http.ResponseWriter, err string) {
	Error(w, http.StatusUnauthorized, err)
}

func InternalError(w http.ResponseWriter, err string) {
	Error(w, http.StatusInternalServerError, err)
}
