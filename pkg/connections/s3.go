package connections

import (
	"context"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/errors"
)

// s3GetObjectAPI is the slice of the S3 client the reader needs.
type s3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Reader reads the connection document from an S3 object. The
// document format matches the plaintext reader's.
type S3Reader struct {
	client s3GetObjectAPI
	bucket string
	key    string

	loaded *PlaintextReader
}

// NewS3Reader builds a reader for s3://bucket/key using the default
// AWS credential chain.
func NewS3Reader(ctx context.Context, bucket, key string) (*S3Reader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot load AWS configuration")
	}
	return &S3Reader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		key:    key,
	}, nil
}

// GetConnection resolves a connection by name, fetching and caching
// the document on first use.
func (r *S3Reader) GetConnection(ctx context.Context, name string) (*clients.APIConfig, error) {
	if r.loaded == nil {
		out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &r.bucket,
			Key:    &r.key,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot fetch connections object").
				WithDetail("bucket", r.bucket).
				WithDetail("key", r.key)
		}
		data, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot read connections object")
		}
		loaded, err := parsePlaintext(data)
		if err != nil {
			return nil, err
		}
		r.loaded = loaded
	}
	return r.loaded.GetConnection(ctx, name)
}
