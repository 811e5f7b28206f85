package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/sells-group/designscan/internal/model"
)

// TransientError marks an error as retryable. StatusCode is the HTTP status
// that produced it, or 0.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// BlockedError reports that a site served an anti-bot page instead of content.
type BlockedError struct {
	BlockType string
}

func (e *BlockedError) Error() string {
	return "blocked by anti-bot protection (" + e.BlockType + ")"
}

// NewBlockedError creates a BlockedError.
func NewBlockedError(blockType string) *BlockedError {
	return &BlockedError{BlockType: blockType}
}

// LowYieldError reports that a strategy ran but found too little data,
// typically on client-rendered pages that have not settled.
type LowYieldError struct {
	Found int
	Min   int
}

func (e *LowYieldError) Error() string {
	return "low yield: page produced too little style data"
}

// NewLowYieldError creates a LowYieldError.
func NewLowYieldError(found, minimum int) *LowYieldError {
	return &LowYieldError{Found: found, Min: minimum}
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a network timeout, a refused or reset connection, or a
// wrapped client error whose text matches a known network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), networkPatterns)
}

var networkPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"connection refused",
}

var timeoutPatterns = []string{
	"context deadline exceeded",
	"timeout",
	"timed out",
}

var browserPatterns = []string{
	"target closed",
	"session closed",
	"browser has disconnected",
	"websocket",
	"cdp",
	"execution context was destroyed",
	"no browser",
	"page crashed",
	"navigation failed",
}

var antiBotPatterns = []string{
	"blocked by anti-bot",
	"captcha",
	"cloudflare",
	"access denied",
	"status 403",
}

var rateLimitPatterns = []string{
	"rate limit",
	"too many requests",
	"status 429",
}

// Classify maps an error to the ErrorKind used to select a recovery rule.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}

	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return model.ErrorKindAntiBot
	}
	var low *LowYieldError
	if errors.As(err, &low) {
		return model.ErrorKindLowYield
	}
	var te *TransientError
	if errors.As(err, &te) {
		switch te.StatusCode {
		case 429:
			return model.ErrorKindRateLimit
		case 403:
			return model.ErrorKindAntiBot
		case 408, 504:
			return model.ErrorKindTimeout
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitPatterns):
		return model.ErrorKindRateLimit
	case containsAny(msg, antiBotPatterns):
		return model.ErrorKindAntiBot
	case containsAny(msg, browserPatterns):
		return model.ErrorKindBrowser
	case containsAny(msg, timeoutPatterns):
		return model.ErrorKindTimeout
	case IsTransient(err):
		return model.ErrorKindNetwork
	}
	return model.ErrorKindUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a fetch that returned statusCode
// may succeed on a later attempt.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
