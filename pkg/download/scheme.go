package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// SchemeFetcher routes a fetch to the Fetcher registered for the URL scheme.
type SchemeFetcher map[string]Fetcher

// Register sets the fetcher for one or more schemes.
func (s SchemeFetcher) Register(f Fetcher, schemes ...string) {
	for _, scheme := range schemes {
		s[strings.ToLower(scheme)] = f
	}
}

func (s SchemeFetcher) Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error) {
	f, ok := s[strings.ToLower(u.Scheme)]
	if !ok || f == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f.Fetch(ctx, u, w)
}
