package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/tenant-gateway/internal/domain"
)

// WriteError renders err as {"error": code, "message": text, ...} with the
// status its code maps to. Errors that are not API errors are reported as
// Internal without exposing their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)

	AddLogField(r.Context(), "error_code", string(apiErr.Code))
	if cause := apiErr.Unwrap(); cause != nil {
		AddError(r.Context(), cause)
	} else {
		AddError(r.Context(), apiErr)
	}

	writeJSON(w, apiErr.HTTPStatusCode(), apiErr.Body())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response body", slog.String("error", err.Error()))
	}
}
