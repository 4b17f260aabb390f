package chatsync

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTransient            = errors.New("transient network error")
	ErrMalformedEvent       = errors.New("malformed event")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrSessionClosed        = errors.New("conversation session closed")
	ErrNotRetryable         = errors.New("message is not retryable")
	ErrNotConnected         = errors.New("transport not connected")
	ErrSendRejected         = errors.New("send rejected")
)

// TransientError marks a collaborator failure caused by connectivity. Sends
// that hit one are marked failed; resyncs are retried on the next reconnect.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient network error", e.Op)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
