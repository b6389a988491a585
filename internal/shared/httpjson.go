package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// defaultFailureReason is reported when a failed response has no usable
// {"error": ...} body.
const defaultFailureReason = "Request failed"

// maxResponseBody caps how much of a collaborator response is read.
const maxResponseBody = 1 << 20 // 1MB

// StatusError is a non-2xx collaborator response. Reason is the "error"
// string from the body.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Reason)
}

// PostJSON posts in as JSON to url and decodes a 2xx body into out.
// Non-2xx responses come back as *StatusError; transport and decode
// failures are returned wrapped.
func PostJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Reason: failureReason(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func failureReason(body []byte) string {
	var payload struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == nil {
		return defaultFailureReason
	}
	return *payload.Error
}
