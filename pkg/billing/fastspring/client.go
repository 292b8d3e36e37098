package fastspring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const (
	defaultBaseURL   = "https://api.fastspring.com"
	maxResponseBytes = 1 << 20
)

// apiClient is a minimal client for the FastSpring REST API.
type apiClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	metrics    billing.Metrics
}

// do sends a request and decodes the whole response into out. endpoint is
// the path template used as the metrics label. FastSpring reports some
// failures inside 200 responses; those are returned as *billing.APIError too.
func (c *apiClient) do(ctx context.Context, method, path, endpoint string, body, out any) error {
	startTime := time.Now()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
		return fmt.Errorf("failed to call FastSpring API: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only

	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		return fmt.Errorf("failed to read FastSpring response: %w", err)
	}

	msg := errorMessage(respBody)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || msg != "" {
		c.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &billing.APIError{Provider: providerName, StatusCode: resp.StatusCode, Message: msg}
	}
	c.metrics.RecordAPICall(providerName, endpoint, "success")

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode FastSpring response: %w", err)
	}
	return nil
}

// errorMessage extracts the error text FastSpring places either at the top
// level or on the first entry of a result list, e.g.
// {"subscriptions":[{"result":"error","error":{"subscription":"..."}}]}.
func errorMessage(body []byte) string {
	var top map[string]json.RawMessage
	if json.Unmarshal(body, &top) != nil {
		return ""
	}
	if msg := entryError(top); msg != "" {
		return msg
	}
	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entries []map[string]json.RawMessage
		if json.Unmarshal(top[k], &entries) != nil {
			continue
		}
		for _, e := range entries {
			if msg := entryError(e); msg != "" {
				return msg
			}
		}
	}
	return ""
}

func entryError(entry map[string]json.RawMessage) string {
	raw, ok := entry["error"]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var fields map[string]string
	if json.Unmarshal(raw, &fields) != nil || len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, fields[k])
	}
	return strings.Join(msgs, "; ")
}
