package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rickgao/tokenmarket/internal/errs"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindInsufficientFunds:
		status = http.StatusPaymentRequired
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"holder_id", r.Header.Get(HolderHeader),
			"error", err,
		)
		writeJSON(w, status, ErrorResponse{Error: "internal error"})
		return
	}

	resp := ErrorResponse{
		Error:     err.Error(),
		Kind:      string(errs.KindOf(err)),
		Retryable: errs.IsRetryable(err),
	}
	var e *errs.Error
	if errors.As(err, &e) && e.Msg != "" {
		resp.Error = e.Msg
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, op string, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation(op, "invalid request body: %v", err)
	}
	return nil
}
