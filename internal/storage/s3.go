package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
)

// S3Store writes objects to an S3-compatible bucket.
type S3Store struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

// NewS3Store loads AWS credentials from the default chain. S3_ENDPOINT points the
// client at MinIO or R2.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	publicBase := cfg.S3PublicBaseURL
	if publicBase == "" {
		publicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3Bucket, cfg.S3Region)
	}
	return NewS3StoreWithClient(client, cfg.S3Bucket, publicBase), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client *s3.Client, bucket, publicBase string) *S3Store {
	return &S3Store{client: client, bucket: bucket, publicBase: publicBase}
}

func (s *S3Store) Put(ctx context.Context, body []byte, key, contentType string, overwrite bool) (PutResult, error) {
	key = sanitizeKey(key)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := s.client.PutObject(ctx, input)
	if err != nil && !overwrite && statusCode(err) == http.StatusPreconditionFailed {
		head, herr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if herr != nil {
			return PutResult{}, fmt.Errorf("head existing object: %w", herr)
		}
		return PutResult{PublicURL: joinURL(s.publicBase, key), Size: aws.ToInt64(head.ContentLength)}, nil
	}
	if err != nil {
		return PutResult{}, fmt.Errorf("put object: %w", err)
	}
	return PutResult{PublicURL: joinURL(s.publicBase, key), Size: int64(len(body))}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
