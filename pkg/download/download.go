// Package download fetches the result files of finished jobs.
//
// A Downloader resolves a job's result reference, records the download
// state in the registry, and streams the content into a destination
// directory through a Fetcher chosen by URL scheme.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/dispatch"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/metrics"
)

var (
	// ErrNoResult indicates the job has no result at the requested index.
	ErrNoResult = errors.New("download: no result at index")

	// ErrUnsupportedScheme indicates no fetcher handles the result URL.
	ErrUnsupportedScheme = errors.New("download: unsupported URL scheme")

	// ErrNotFound indicates the result no longer exists at its source.
	ErrNotFound = errors.New("download: result not found")
)

// Fetcher streams the content at u into w.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error)
}

// Store is the registry owner.
type Store interface {
	State() *jobregistry.State
	Dispatch(a dispatch.Action) error
}

// Result describes a completed download.
type Result struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
	URL   string `json:"url"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Downloader fetches job results into Dir.
type Downloader struct {
	store   Store
	fetcher Fetcher
	dir     string
	base    *url.URL
	logger  *zap.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithBaseURL resolves relative result references against base.
func WithBaseURL(base string) Option {
	return func(d *Downloader) {
		if u, err := url.Parse(base); err == nil && u.Scheme != "" {
			d.base = u
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Downloader) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDownloader returns a Downloader writing into dir.
func NewDownloader(s Store, f Fetcher, dir string, opts ...Option) *Downloader {
	d := &Downloader{store: s, fetcher: f, dir: dir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dir returns the default destination directory.
func (d *Downloader) Dir() string { return d.dir }

// Download fetches result index of jobID into the default directory.
func (d *Downloader) Download(ctx context.Context, jobID string, index int) (Result, error) {
	return d.DownloadTo(ctx, jobID, index, d.dir)
}

// DownloadTo fetches result index of jobID into dir. The registry records
// WORKING while the transfer runs, then DONE or FAIL.
func (d *Downloader) DownloadTo(ctx context.Context, jobID string, index int, dir string) (Result, error) {
	res := Result{JobID: jobID, Index: index}

	rec, ok := d.store.State().Job(jobID)
	if !ok {
		return res, fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, jobID)
	}
	if index < 0 || index >= len(rec.Results) || rec.Results[index].Href == "" {
		return res, fmt.Errorf("%w: %s[%d]", ErrNoResult, jobID, index)
	}

	u, err := d.resolve(rec.Results[index].Href)
	if err != nil {
		return res, err
	}
	res.URL = u.String()
	res.Path = filepath.Join(dir, fileName(u, jobID, index))

	d.setState(jobID, index, jobregistry.DownloadWorking)

	n, err := d.fetchToFile(ctx, u, res.Path)
	if err != nil {
		d.setState(jobID, index, jobregistry.DownloadFail)
		d.logger.Warn("Download failed",
			zap.String("job_id", jobID),
			zap.Int("index", index),
			zap.String("url", res.URL),
			zap.Error(err))
		return res, err
	}
	res.Bytes = n

	d.setState(jobID, index, jobregistry.DownloadDone)
	d.logger.Info("Downloaded result",
		zap.String("job_id", jobID),
		zap.Int("index", index),
		zap.String("path", res.Path),
		zap.Int64("bytes", n))
	return res, nil
}

func (d *Downloader) setState(jobID string, index int, ds jobregistry.DownloadState) {
	metrics.IncDownloads(string(ds))
	if err := d.store.Dispatch(dispatch.DownloadStateSet(jobID, index, ds)); err != nil {
		d.logger.Warn("Download state rejected", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (d *Downloader) resolve(href string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("parse result URL: %w", err)
	}
	if u.Scheme == "" {
		if d.base == nil {
			return nil, fmt.Errorf("%w: relative URL %q without a base", ErrUnsupportedScheme, href)
		}
		u = d.base.ResolveReference(u)
	}
	return u, nil
}

// fetchToFile writes into a temp file in the destination directory and
// renames it into place once the transfer completed.
func (d *Downloader) fetchToFile(ctx context.Context, u *url.URL, dest string) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := d.fetcher.Fetch(ctx, u, tmp)
	if err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return n, fmt.Errorf("rename download: %w", err)
	}
	return n, nil
}

func fileName(u *url.URL, jobID string, index int) string {
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return fmt.Sprintf("%s-%d", jobID, index)
	}
	return filepath.Base(base)
}
