// Package retry classifies chain failures and wraps chain calls with
// exponential backoff and per-counterparty circuit breakers.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Class is the retry classification of an error.
type Class int

const (
	// Retryable errors are transient: timeouts, rate limits, flaky RPC.
	Retryable Class = iota
	// NonRetryable errors are caller or configuration errors.
	NonRetryable
	// Fatal errors abort the leg and need manual intervention.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non-retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classified is implemented by errors that know their own class.
type Classified interface {
	RetryClass() Class
}

// Marker errors adapters can wrap to classify a failure explicitly.
var (
	ErrTransient = errors.New("transient chain failure")
	ErrRejected  = errors.New("request rejected")
	ErrFatal     = errors.New("unrecoverable chain failure")
)

// Message fragments seen in node and bridge errors. Checked in order, so
// more specific fragments come first.
var messageRules = []struct {
	fragment string
	class    Class
}{
	{"invalid chain id", NonRetryable},
	{"chain id mismatch", NonRetryable},
	{"invalid sender", NonRetryable},
	{"insufficient funds", NonRetryable},
	{"execution reverted", NonRetryable},
	{"already claimed", NonRetryable},
	{"already refunded", NonRetryable},
	{"already spent", NonRetryable},
	{"missing inputs", NonRetryable},
	{"bad-txns-inputs-missingorspent", NonRetryable},
	{"invalid contract", NonRetryable},
	{"invalid bridge", NonRetryable},
	{"malformed", NonRetryable},
	{"nonce too low", Retryable},
	{"replacement transaction underpriced", Retryable},
	{"timeout", Retryable},
	{"timed out", Retryable},
	{"connection refused", Retryable},
	{"connection reset", Retryable},
	{"too many requests", Retryable},
	{"rate limit", Retryable},
	{"message delivery", Retryable},
	{"bridge", Retryable},
	{"header not found", Retryable},
}

// Classify maps a raw failure to a retry class. Errors nothing recognises
// are treated as Retryable; the attempt bound and circuit breaker keep that
// from looping forever.
func Classify(err error) Class {
	if err == nil {
		return Retryable
	}

	var c Classified
	if errors.As(err, &c) {
		return c.RetryClass()
	}

	switch {
	case errors.Is(err, ErrFatal):
		return Fatal
	case errors.Is(err, ErrRejected), errors.Is(err, ErrCircuitOpen), errors.Is(err, context.Canceled):
		return NonRetryable
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Retryable
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32600, -32601, -32602:
			return NonRetryable
		case -32005, -32603:
			return Retryable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		if strings.Contains(msg, rule.fragment) {
			return rule.class
		}
	}
	return Retryable
}

// StatusError carries the HTTP status of a failed REST call.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "http " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// RetryClass implements Classified.
func (e *StatusError) RetryClass() Class {
	return classifyStatus(e.StatusCode)
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Retryable
	case code >= 400:
		return NonRetryable
	default:
		return Retryable
	}
}
