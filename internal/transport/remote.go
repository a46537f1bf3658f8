package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fieldsync/internal/store"
)

// MutationRequest is one outbound write. ID is the idempotency key; the
// backend must dedupe on it so retries after a lost ack are harmless.
type MutationRequest struct {
	ID         string          `json:"id"`
	Method     store.Method    `json:"method"`
	Collection string          `json:"collection"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Error classifies a failed mutation call. Permanent errors (the backend
// rejected the payload) must not be retried.
type Error struct {
	Permanent  bool
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s remote error (status %d): %s", kind, e.StatusCode, e.Message)
}

// IsPermanent reports whether err is a remote rejection that retrying
// cannot fix.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Permanent
}

// Remote issues mutation calls against the backend.
type Remote interface {
	Apply(ctx context.Context, req MutationRequest) error
}

// HTTPRemote posts mutations to the managed backend over HTTP.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRemote(baseURL string) *HTTPRemote {
	return &HTTPRemote{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (r *HTTPRemote) Apply(ctx context.Context, req MutationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &Error{Permanent: true, Message: fmt.Sprintf("encode mutation: %v", err)}
	}

	url := fmt.Sprintf("%s/collections/%s/mutations", r.baseURL, req.Collection)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Permanent: true, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		// Network-level failure, retryable
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	// 4xx means the backend rejected the payload; retrying the same bytes
	// cannot succeed. 408 and 429 are the transport telling us to back off.
	permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests

	return &Error{
		Permanent:  permanent,
		StatusCode: resp.StatusCode,
		Message:    string(msg),
	}
}
