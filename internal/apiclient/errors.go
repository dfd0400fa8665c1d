package apiclient

import (
	"fmt"
	"time"
)

// ErrorKind classifies a failed request into one of the ten kinds the
// retry policy and callers key off of.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthentication
	KindNotFound
	KindRateLimit
	KindServer
	KindClient
	KindTimeout
	KindNetwork
	KindParse
	KindValidation
	KindPaginationLimitExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "Authentication"
	case KindNotFound:
		return "NotFound"
	case KindRateLimit:
		return "RateLimit"
	case KindServer:
		return "Server"
	case KindClient:
		return "Client"
	case KindTimeout:
		return "Timeout"
	case KindNetwork:
		return "Network"
	case KindParse:
		return "Parse"
	case KindValidation:
		return "Validation"
	case KindPaginationLimitExceeded:
		return "PaginationLimitExceeded"
	default:
		return "Unknown"
	}
}

// nonRetriableServerStatus holds 5xx codes that are surfaced as Server
// errors but never retried, since the server has declared the request
// itself unsupported rather than transiently failed.
var nonRetriableServerStatus = map[int]bool{
	501: true,
	505: true,
}

// Error is the single error type returned by Client and PageIterator.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("apiclient: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("apiclient: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the retry/backoff loop should reattempt
// this request.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindTimeout, KindNetwork:
		return !nonRetriableServerStatus[e.StatusCode]
	default:
		return false
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthentication
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}
