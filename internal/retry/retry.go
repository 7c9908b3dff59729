package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify decides whether err is worth retrying. Postgres serialization
// failures, deadlocks and connection loss are transient; everything else,
// including constraint violations, is terminal.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return Decision{Class: ClassTransient, Reason: "bad_conn"}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func classifySQLState(code string) Decision {
	switch {
	case code == "40001":
		return Decision{Class: ClassTransient, Reason: "pg_serialization_failure"}
	case code == "40P01":
		return Decision{Class: ClassTransient, Reason: "pg_deadlock_detected"}
	case code == "55P03":
		return Decision{Class: ClassTransient, Reason: "pg_lock_not_available"}
	case code == "57014":
		return Decision{Class: ClassTransient, Reason: "pg_query_canceled"}
	case strings.HasPrefix(code, "08"):
		return Decision{Class: ClassTransient, Reason: "pg_connection_exception"}
	case code == "57P01" || code == "57P02" || code == "57P03":
		return Decision{Class: ClassTransient, Reason: "pg_admin_shutdown"}
	case strings.HasPrefix(code, "23"):
		return Decision{Class: ClassTerminal, Reason: "pg_integrity_constraint"}
	default:
		return Decision{Class: ClassTerminal, Reason: "pg_" + code}
	}
}

// Do runs fn up to attempts times, sleeping backoff (doubled each time)
// between transient failures. Terminal errors return immediately.
func Do(ctx context.Context, attempts int, backoff time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt == attempts || !Classify(err).IsTransient() {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"invalid input syntax",
	"not found",
	"constraint violation",
	"duplicate key",
	"permission denied",
}
