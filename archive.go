package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// transcriptArchiver copies finished session transcripts and captured uploads
// to S3 or MinIO.
type transcriptArchiver struct {
	client *s3.Client
	bucket string
}

func newTranscriptArchiver(ctx context.Context, cfg Config) (*transcriptArchiver, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true // MinIO
		}
	})

	a := &transcriptArchiver{client: client, bucket: cfg.S3Bucket}
	if err := a.ensureBucket(ctx); err != nil {
		logEvent("WARN", cfg.S3Bucket, "bucket check failed: "+err.Error())
	}
	return a, nil
}

func (a *transcriptArchiver) ensureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err == nil {
		return nil
	}
	if _, createErr := a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
	}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", a.bucket, createErr)
	}
	logEvent("INFO", a.bucket, "created transcript bucket")
	return nil
}

// archiveKey names the object for a transcript: sessions/<day>/<session>.log.
func archiveKey(sessionID string, ended time.Time) string {
	return fmt.Sprintf("sessions/%s/%s.log", ended.UTC().Format("2006-01-02"), sessionID)
}

// uploadKey names the object for a file captured over scp.
func uploadKey(sessionID, name string, received time.Time) string {
	return fmt.Sprintf("uploads/%s/%s/%s", received.UTC().Format("2006-01-02"), sessionID, name)
}

// upload is a no-op on a nil archiver.
func (a *transcriptArchiver) upload(ctx context.Context, sessionID, path string) error {
	if a == nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if err := a.put(ctx, archiveKey(sessionID, time.Now()), f, "text/plain"); err != nil {
		return fmt.Errorf("put transcript %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (a *transcriptArchiver) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	recordArchiveUpload(err == nil)
	return err
}
