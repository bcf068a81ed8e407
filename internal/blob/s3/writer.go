package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// minPartSize is the S3 lower bound for a multipart part (5 MiB). Archive
// payloads above it go through the uploader.
const minPartSize int64 = 5 * 1024 * 1024

// Writer uploads archive objects to the bucket.
type Writer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer on c's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c.s3,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = minPartSize
			u.Concurrency = 3
		}),
		bucket: c.bucket,
	}
}

// Put stores data in one request. An empty content type means JSONL.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	key, err := objectKey(path)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = jsonlContentType
	}
	if _, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	}); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", key, err)
	}
	return nil
}

// PutMultipart streams data through the multipart uploader. partSize is
// raised to the S3 minimum when smaller.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	key, err := objectKey(path)
	if err != nil {
		return err
	}
	partSize = max(partSize, minPartSize)
	_, err = w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(jsonlContentType),
	}, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
