package concurrency

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"regexp"
)

// ErrorClass partitions task failures for retry and breaker decisions.
type ErrorClass string

const (
	ClassNone                 ErrorClass = ""
	ClassTimeout              ErrorClass = "TimeoutError"
	ClassNetwork              ErrorClass = "NetworkError"
	ClassRateLimit            ErrorClass = "RateLimitError"
	ClassUnknown              ErrorClass = "UnknownError"
	ClassAuthentication       ErrorClass = "AuthenticationError"
	ClassProcessSpawn         ErrorClass = "ProcessSpawnError"
	ClassInvalidConfiguration ErrorClass = "InvalidConfigurationError"
	ClassCancelled            ErrorClass = "CancelledError"
	// ClassCircuitOpen marks a task short-circuited by an open breaker. No
	// process was started for it.
	ClassCircuitOpen ErrorClass = "CircuitOpenError"
)

// ErrCircuitOpen is the error recorded for short-circuited tasks.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Retryable reports whether another attempt may succeed.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassNetwork, ClassRateLimit, ClassUnknown:
		return true
	}
	return false
}

// TaskError is the classified failure of one attempt.
type TaskError struct {
	Class    ErrorClass
	ExitCode int
	Err      error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError wraps err with a class.
func NewTaskError(class ErrorClass, err error) *TaskError {
	return &TaskError{Class: class, ExitCode: -1, Err: err}
}

// ClassOf extracts the class of err. Unclassified errors are ClassUnknown.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassUnknown
}

// classifySpawnError maps a failed exec Start to a class.
func classifySpawnError(err error) ErrorClass {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return ClassProcessSpawn
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return ClassProcessSpawn
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ClassProcessSpawn
	}
	return ClassUnknown
}

var (
	rateLimitRegex = regexp.MustCompile(`(?i)(rate[ _-]?limit|too many requests|\b429\b|overloaded|quota exceeded|usage limit)`)
	authRegex      = regexp.MustCompile(`(?i)(\b401\b|\b403\b|unauthori[sz]ed|invalid (x-)?api[ _-]?key|authentication|not logged in|please run .*login)`)
	networkRegex   = regexp.MustCompile(`(?i)(econnreset|econnrefused|enotfound|etimedout|network (is )?unreachable|connection (reset|refused)|socket hang up|dns|tls handshake)`)
)

// ClassifyOutput maps a failed process's diagnostic text to a class. The
// order matters: auth problems often also mention the network.
func ClassifyOutput(text string) ErrorClass {
	switch {
	case authRegex.MatchString(text):
		return ClassAuthentication
	case rateLimitRegex.MatchString(text):
		return ClassRateLimit
	case networkRegex.MatchString(text):
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// ClassifyExit builds the TaskError for a process that exited non-zero.
// Only diagnostic text is inspected; generated stdout may legitimately
// mention any of the patterns above.
func ClassifyExit(exitCode int, diagnostic string) *TaskError {
	class := ClassifyOutput(diagnostic)
	return &TaskError{
		Class:    class,
		ExitCode: exitCode,
		Err:      fmt.Errorf("process exited with code %d", exitCode),
	}
}
