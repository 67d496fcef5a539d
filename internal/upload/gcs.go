// Package upload copies export files to a Google Cloud Storage bucket under
// output/{date}/.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// ObjectName returns the object key for a local file uploaded on date.
func ObjectName(date time.Time, localPath string) string {
	return path.Join("output", date.Format("2006-01-02"), filepath.Base(localPath))
}

// Uploader writes files into one bucket.
type Uploader struct {
	client *storage.Client
	bucket string
	logger zerolog.Logger
}

// New creates an uploader for bucket. Credentials come from the environment
// (Application Default Credentials) unless opts override them.
func New(ctx context.Context, bucket string, logger zerolog.Logger, opts ...option.ClientOption) (*Uploader, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &Uploader{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "upload").Str("bucket", bucket).Logger(),
	}, nil
}

// Upload copies localPath to output/{date}/{basename} and returns its gs:// URL.
func (u *Uploader) Upload(ctx context.Context, localPath string, date time.Time) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	object := ObjectName(date, localPath)
	w := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType(localPath)

	n, err := io.Copy(w, file)
	if err != nil {
		w.Close()
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", object, err)
	}

	url := fmt.Sprintf("gs://%s/%s", u.bucket, object)
	u.logger.Info().
		Str("file", localPath).
		Str("object", url).
		Int64("bytes", n).
		Msg("File uploaded")
	return url, nil
}

// UploadAll uploads every path, stopping at the first failure.
func (u *Uploader) UploadAll(ctx context.Context, paths []string, date time.Time) ([]string, error) {
	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		url, err := u.Upload(ctx, p, date)
		if err != nil {
			return urls, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// Close releases the storage client.
func (u *Uploader) Close() error {
	return u.client.Close()
}

func contentType(p string) string {
	switch filepath.Ext(p) {
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
