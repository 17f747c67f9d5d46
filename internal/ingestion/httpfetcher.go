package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPFetcher is a generic Fetcher for pull sources that expose their
// current row batch as a single JSON array (or a JSON object with the
// array under ResultsField). Awin's product feed and StockX's listing
// endpoint both fit this shape; per-source quirks live in the registered
// Normalizer, not here.
type HTTPFetcher struct {
	url          string
	headers      map[string]string
	resultsField string // dotted path not needed: one JSON object key holding the array, or "" for a bare array
	client       *http.Client
}

// NewHTTPFetcher constructs an HTTPFetcher. headers is typically used for
// an Authorization or API-key header; resultsField is empty when the feed
// responds with a bare JSON array, or names the object key wrapping the
// array (e.g. "products", "results").
func NewHTTPFetcher(url string, headers map[string]string, resultsField string) *HTTPFetcher {
	return &HTTPFetcher{
		url:          url,
		headers:      headers,
		resultsField: resultsField,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch implements ingestion.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ClassifyHTTPError(0, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, ClassifyHTTPError(resp.StatusCode, retryAfter, fmt.Errorf("%s", body))
	}

	if f.resultsField == "" {
		var rows []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			return nil, fmt.Errorf("decode fetch response: %w", err)
		}
		return rows, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	raw, ok := wrapper[f.resultsField]
	if !ok {
		return nil, fmt.Errorf("fetch response missing field %q", f.resultsField)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode fetch response field %q: %w", f.resultsField, err)
	}
	return rows, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Second
}
