package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Category buckets a failure by whether retrying can help.
type Category string

const (
	// Deterministic failures repeat identically on retry: schema/contract
	// violations, authorization and validation errors.
	Deterministic Category = "deterministic"
	// Transient failures may clear on their own: network, timeout,
	// rate-limit, 5xx.
	Transient Category = "transient"
	// Unknown failures are retried anyway, erring toward availability.
	Unknown Category = "unknown"
)

type Classifier func(error) Category

// Classified lets error types declare their own category. agents.SchemaError
// uses this to fail fast on structured-output contract violations.
type Classified interface {
	Category() Category
}

// statusCoder is implemented by HTTP-ish errors carrying a status code.
type statusCoder interface {
	StatusCode() int
}

// Classify is the default classifier for collaborator failures.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}
	var cl Classified
	if errors.As(err, &cl) {
		return cl.Category()
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.StatusCode())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Unknown
}

func classifyStatus(status int) Category {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Deterministic
	default:
		return Unknown
	}
}
