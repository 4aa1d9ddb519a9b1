package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"envtrack/internal/faults"
	"envtrack/internal/logging"
)

const maxJSONBody = 1 << 20

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    faults.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

// writeError renders err with its code's status hint. Hidden codes carry a
// generic message and no details; their cause is logged instead.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := faults.From(err)
	status := fe.Code.HTTPStatus()
	payload := errorPayload{Code: fe.Code, Message: fe.PublicMessage()}
	logger := logging.WithContext(r.Context(), s.logger)
	if fe.Code.Hidden() {
		logger.Error("request failed",
			logging.String("path", r.URL.Path),
			logging.ErrorCode(string(fe.Code)),
			logging.Error(err),
		)
	} else {
		payload.Details = fe.Details
		logger.Debug("request rejected",
			logging.String("path", r.URL.Path),
			logging.ErrorCode(string(fe.Code)),
			slog.String("message", fe.Message),
		)
	}
	if fe.Code == faults.CodeRateLimited {
		if retry, ok := fe.Details["retry_after_seconds"].(int); ok && retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
	}
	s.writeJSON(w, status, errorBody{Error: payload})
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, code faults.Code, message string) {
	s.writeJSON(w, status, errorBody{Error: errorPayload{Code: code, Message: message}})
}

func invalid(format string, args ...any) error {
	return faults.Newf(faults.CodeValidation, format, args...)
}

// decodeJSON reads a single JSON object from the request body into target.
// An empty body leaves target untouched.
func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return invalid("invalid request body: %v", err)
	}
	if dec.More() {
		return invalid("invalid request body: trailing data")
	}
	return nil
}

func parseID(value, name string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("invalid %s %q", name, value)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid("invalid %s %q", name, raw)
	}
	return value, nil
}
