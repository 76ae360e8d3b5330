package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"audiobook-orchestrator/internal/faults"
)

// S3 stores audio objects in a bucket. Used when AUDIO_S3_BUCKET is set.
type S3 struct {
	client *s3.Client
	bucket string
}

// S3Options configures the bucket client; Endpoint/PathStyle support
// MinIO-style local setups.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return &S3{client: client, bucket: opts.Bucket}, nil
}

func (s *S3) Stage(ctx context.Context, bookID string, chapterNumber int, jobID string, audio []byte) (string, error) {
	key := StageKey(bookID, chapterNumber, jobID)
	if len(audio) == 0 {
		return "", &faults.StorageError{Path: key, Err: errEmptyAudio}
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(audio),
		ContentType: aws.String("audio/mpeg"),
	})
	if err != nil {
		return "", &faults.StorageError{Path: key, Err: fmt.Errorf("put object: %w", err)}
	}
	return key, nil
}

func (s *S3) Promote(ctx context.Context, stagedPath string, bookID string, chapterNumber int) (string, error) {
	key := ChapterKey(bookID, chapterNumber)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		CopySource: aws.String(url.PathEscape(s.bucket + "/" + stagedPath)),
	})
	if err != nil {
		return "", &faults.StorageError{Path: stagedPath, Err: fmt.Errorf("promote copy: %w", err)}
	}
	// Staged object cleanup is best effort; the canonical copy already
	// exists.
	_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stagedPath),
	})
	return key, nil
}

func (s *S3) Remove(ctx context.Context, storedPath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storedPath),
	})
	if err != nil {
		return &faults.StorageError{Path: storedPath, Err: err}
	}
	return nil
}
