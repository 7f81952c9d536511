package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var googleHTTP = &http.Client{Timeout: 30 * time.Second}

// googleRequest performs one authenticated call against a Google REST
// endpoint. Failures come back as errors so callers can turn them into
// structured tool-failure messages for the worker.
func googleRequest(ctx context.Context, source TokenSource, method, url string, body any) (string, error) {
	token, err := source.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("credential lookup failed: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := googleHTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s %s returned status %d: %s", method, url, resp.StatusCode, truncate(string(data), 500))
	}
	if len(data) == 0 {
		return "{}", nil
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
