package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"
)

// S3Uploader uploads archives to a single S3 bucket, throttled by a token
// bucket so a burst of snapshot uploads cannot saturate the partition's
// outbound bandwidth.
type S3Uploader struct {
	client  *s3.Client
	bucket  string
	limiter *rate.Limiter
}

// NewS3Uploader loads AWS configuration from the environment/shared config
// files (the same resolution chain aws-sdk-go-v2 always uses) and returns
// an uploader targeting bucket. bytesPerSecond throttles uploads; pass 0
// for no throttling.
func NewS3Uploader(ctx context.Context, bucket string, bytesPerSecond float64) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var limiter *rate.Limiter
	if bytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
	}

	return &S3Uploader{
		client:  s3.NewFromConfig(cfg),
		bucket:  bucket,
		limiter: limiter,
	}, nil
}

// Upload streams r to s3://bucket/name.
func (u *S3Uploader) Upload(ctx context.Context, name string, r io.Reader) error {
	body := r
	if u.limiter != nil {
		body = &throttledReader{r: r, limiter: u.limiter}
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(name),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put object %s: %w", name, err)
	}
	return nil
}

// throttledReader rate-limits reads to roughly limiter's configured rate,
// one byte-budget token per byte read.
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if b := t.limiter.Burst(); b > 0 && len(p) > b {
		p = p[:b]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if waitErr := t.limiter.WaitN(context.Background(), n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
