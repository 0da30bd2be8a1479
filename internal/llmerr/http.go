package llmerr

import (
	"encoding/json"
	"net/http"
)

// Code is a machine-readable error classification string used on the proxy's
// inbound surface. Codes are a public contract — clients program against
// them. Do not rename or remove existing codes.
type Code string

const (
	CodeCircuitOpen      Code = "RELIABILITY_CIRCUIT_OPEN"
	CodeNoEndpoints      Code = "RELIABILITY_NO_ENDPOINTS"
	CodeUpstreamError    Code = "RELIABILITY_UPSTREAM_ERROR"
	CodeRetriesExhausted Code = "RELIABILITY_RETRIES_EXHAUSTED"
	CodeRequestCancelled Code = "RELIABILITY_REQUEST_CANCELLED"
	CodeRateLimited      Code = "RELIABILITY_RATE_LIMITED"
	CodeInternalError    Code = "RELIABILITY_INTERNAL_ERROR"
)

// Response is the standardized inbound error body.
type Response struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the hot-path rejections. These do not include
// request_id since it varies per request.
var (
	preCircuitOpen = mustMarshal(http.StatusServiceUnavailable, CodeCircuitOpen, "circuit breaker is open")
	preNoEndpoints = mustMarshal(http.StatusServiceUnavailable, CodeNoEndpoints, "no available endpoints")
	preRateLimited = mustMarshal(http.StatusTooManyRequests, CodeRateLimited, "provider rate limit exceeded, retry later")
)

func mustMarshal(status int, code Code, message string) []byte {
	b, _ := json.Marshal(Response{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. Common code+message
// combinations use pre-serialized bodies when no request id is present.
// r may be nil when no request is available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(Response{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code Code, message string) []byte {
	switch {
	case code == CodeCircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker is open":
		return preCircuitOpen
	case code == CodeNoEndpoints && status == http.StatusServiceUnavailable && message == "no available endpoints":
		return preNoEndpoints
	case code == CodeRateLimited && status == http.StatusTooManyRequests && message == "provider rate limit exceeded, retry later":
		return preRateLimited
	}
	return nil
}
