package util

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quty-io/fabric/internal/ferrors"
)

// DefaultFetchTimeout is the 3s default mandated by spec.md §4.2.
const DefaultFetchTimeout = 3 * time.Second

// FetchJson performs a single HTTP(S) request and parses the response body
// as JSON. It rejects any response outside [200,299] or whose content-type
// doesn't contain "/json". query, when non-nil, is appended as a query
// string; body, when non-nil, is JSON-encoded as the request body.
func FetchJson(ctx context.Context, rawURL, method string, query map[string]string, body any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Config, "invalid fetch url", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Malformed, "encode fetch body", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Config, "build fetch request", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DialFail, "fetch "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ferrors.New(ferrors.DialFail, "fetch "+rawURL+" returned non-2xx status")
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "/json") {
		return nil, ferrors.New(ferrors.Malformed, "fetch "+rawURL+" did not return json")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Malformed, "read fetch body", err)
	}
	var out any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, ferrors.Wrap(ferrors.Malformed, "parse fetch body", err)
		}
	}
	return out, nil
}
