package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crowdwatch/internal/models"
)

const (
	snapshotPath = "/crowd"
	historyPath  = "/crowd/history"
)

// TransportError reports a non-2xx answer from the feed service.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("feed GET %s: HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("feed GET %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client talks to the occupancy feed. It holds no state beyond the
// connection pool, so one Client serves both controllers.
type Client struct {
	base *url.URL
	HTTP *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("feed url %q must be absolute", baseURL)
	}
	return &Client{base: u, HTTP: &http.Client{Timeout: timeout}}, nil
}

// FetchSnapshots retrieves the current snapshot collection. Caching is
// disabled so every call reflects the server's latest state. A body that
// parses but is not an array yields an empty collection.
func (c *Client) FetchSnapshots(ctx context.Context) (models.SnapshotCollection, error) {
	b, err := c.get(ctx, snapshotPath, nil, true)
	if err != nil {
		return nil, err
	}
	items, err := decodeArray(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", snapshotPath, err)
	}
	return NormalizeSnapshots(items), nil
}

// FetchHistory retrieves the series for one building over the given window.
func (c *Client) FetchHistory(ctx context.Context, entityID string, w models.Window) ([]models.HistoryPoint, error) {
	q := url.Values{}
	q.Set("buildingId", entityID)
	q.Set("minutes", strconv.Itoa(w.Minutes()))
	b, err := c.get(ctx, historyPath, q, false)
	if err != nil {
		return nil, err
	}
	items, err := decodeArray(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", historyPath, err)
	}
	return NormalizeHistory(items), nil
}

func (c *Client) get(ctx context.Context, p string, q url.Values, noStore bool) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if noStore {
		req.Header.Set("Cache-Control", "no-store, no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, &TransportError{Endpoint: p, StatusCode: res.StatusCode, Body: msg}
	}
	return b, nil
}

// decodeArray returns nil without error for valid JSON that is not an array.
func decodeArray(b []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	arr, _ := v.([]any)
	return arr, nil
}
