package kis

import (
	"fmt"
	"strings"
)

// StatusError reports a non-2xx HTTP status from a brokerage endpoint before
// classification (token issuance, hashkey). The orchestrator inspects the
// status to pick the recovery path.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("kis: http %d: %s", e.Status, truncateBody(e.Body))
}

// TransientError marks a failure that is eligible for retry with backoff:
// network errors, the retryable status set, and rate-gate timeouts.
type TransientError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kis: transient: %v", e.Err)
	}
	return fmt.Sprintf("kis: transient http %d: %s", e.Status, truncateBody(e.Body))
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is surfaced immediately and never retried.
type FatalError struct {
	Status int
	Body   string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("kis: http %d: %s", e.Status, truncateBody(e.Body))
}

func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		return body[:512] + "..."
	}
	return body
}

// retryableStatus matches the brokerage's transient failure set.
func retryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
