package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPFetcher downloads http and https results.
type HTTPFetcher struct {
	http *resty.Client
}

// NewHTTPFetcher returns an HTTPFetcher. token, when set, is sent as a
// bearer token.
func NewHTTPFetcher(timeout time.Duration, token string) *HTTPFetcher {
	c := resty.New().
		SetHeader("User-Agent", "jobwatch").
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == http.StatusTooManyRequests || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})
	if token != "" {
		c.SetAuthToken(token)
	}
	return &HTTPFetcher{http: c}
}

// Fetch streams the response body into w.
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error) {
	resp, err := f.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u.String())
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", u.Redacted(), err)
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()

	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound || code == http.StatusGone:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, u.Redacted())
	case code >= 400:
		return 0, fmt.Errorf("GET %s: status %d", u.Redacted(), code)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", u.Redacted(), err)
	}
	return n, nil
}
