// Package artifact keeps generated try-on images and hands back the
// reference stored on the record.
//
// DataURLSink inlines the JPEG as a data URL, which is what the record store
// holds when no object storage is configured. S3Sink uploads to an S3 (or
// S3-compatible) bucket and returns a public URL or an s3:// reference.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-tryon-backend/internal/config"
	"github.com/tbourn/go-tryon-backend/internal/imaging"
)

// ContentType of every stored artifact.
const ContentType = "image/jpeg"

// Sink stores one artifact under id and returns its reference.
type Sink interface {
	Put(ctx context.Context, id string, jpeg []byte) (string, error)
}

// DataURLSink returns the artifact inline as a data URL.
type DataURLSink struct{}

// Put implements Sink.
func (DataURLSink) Put(_ context.Context, _ string, jpeg []byte) (string, error) {
	if len(jpeg) == 0 {
		return "", errors.New("artifact: empty image")
	}
	return imaging.EncodeDataURL(ContentType, jpeg), nil
}

// S3Sink uploads artifacts to a bucket.
type S3Sink struct {
	Client        *s3.Client
	Bucket        string
	Prefix        string
	PublicBaseURL string
	Log           zerolog.Logger
}

// NewS3Sink builds an S3 client from static credentials. A custom endpoint
// (MinIO, Supabase storage, ...) switches to path-style addressing.
func NewS3Sink(ctx context.Context, cfg config.ArtifactConfig, log zerolog.Logger) (*S3Sink, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.URL != "" {
			o.BaseEndpoint = aws.String(cfg.URL)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{
		Client:        client,
		Bucket:        cfg.Bucket,
		Prefix:        cfg.Prefix,
		PublicBaseURL: cfg.PublicBaseURL,
		Log:           log.With().Str("component", "artifact_s3").Logger(),
	}, nil
}

// Key returns the object key for id.
func (s *S3Sink) Key(id string) string {
	return path.Join(s.Prefix, id+".jpg")
}

// Put implements Sink.
func (s *S3Sink) Put(ctx context.Context, id string, jpeg []byte) (string, error) {
	if len(jpeg) == 0 {
		return "", errors.New("artifact: empty image")
	}
	key := s.Key(id)
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(jpeg),
		ContentType:   aws.String(ContentType),
		ContentLength: aws.Int64(int64(len(jpeg))),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			s.Log.Error().Str("code", apiErr.ErrorCode()).Str("key", key).Msg(apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("artifact: put %s: %w", key, err)
	}
	if s.PublicBaseURL != "" {
		return s.PublicBaseURL + "/" + key, nil
	}
	return "s3://" + s.Bucket + "/" + key, nil
}

// New returns the sink selected by cfg.Backend.
func New(ctx context.Context, cfg config.ArtifactConfig, log zerolog.Logger) (Sink, error) {
	switch cfg.Backend {
	case config.ArtifactS3:
		return NewS3Sink(ctx, cfg, log)
	default:
		return DataURLSink{}, nil
	}
}

// removeDisableGzip drops the SDK's Accept-Encoding override, which breaks
// signatures on some S3-compatible services.
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
