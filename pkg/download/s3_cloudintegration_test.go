//go:build cloudintegration

package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/test/cloudtest"
)

func motoFetcher(t *testing.T) SchemeFetcher {
	t.Helper()
	s3f, err := NewS3Fetcher(context.Background(), S3Config{
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.AccessKeyID,
		SecretAccessKey: cloudtest.SecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	f := SchemeFetcher{}
	f.Register(s3f, "s3")
	return f
}

func TestDownload_S3(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutResult(t, ctx, bucket, "results/img-1/images.zip", []byte("zip-bytes"))

	store := storeWithResults(t, "img-1",
		"s3://"+bucket+"/results/img-1/images.zip",
		"s3://"+bucket+"/results/img-1/missing.zip",
	)
	dir := t.TempDir()
	d := NewDownloader(store, motoFetcher(t), dir)

	res, err := d.Download(ctx, "img-1", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "images.zip"), res.Path)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))

	_, err = d.Download(ctx, "img-1", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	rec, ok := store.State().Job("img-1")
	require.True(t, ok)
	assert.Equal(t, jobregistry.DownloadDone, rec.DownloadState[0])
	assert.Equal(t, jobregistry.DownloadFail, rec.DownloadState[1])
}
