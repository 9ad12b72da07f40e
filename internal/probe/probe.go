// Package probe exercises a running proxy with a regular S3 client: it lists a
// bucket and optionally uploads, reads back and deletes an object. A probe that
// succeeds proves the client signature was accepted and the upstream accepted
// the proxy's re-signed request.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ErrMismatch is returned when an uploaded object reads back different.
var ErrMismatch = errors.New("object read back does not match upload")

// Options configures a probe run
type Options struct {
	// Endpoint is the proxy URL the client talks to.
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	// PathStyle addresses the bucket in the path instead of the host name.
	PathStyle bool
	Prefix    string
	MaxKeys   int32
	// UploadKey, when set, is written, read back and deleted.
	UploadKey string
	Timeout   time.Duration
}

// Object is one listed key
type Object struct {
	Key  string
	Size int64
}

// Result summarizes a probe run
type Result struct {
	Objects  []Object
	Uploaded bool
	Duration time.Duration
}

// Run executes the probe
func Run(ctx context.Context, opts Options, logger *logrus.Entry) (*Result, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("endpoint and bucket are required")
	}
	if opts.Region == "" {
		opts.Region = "auto"
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 100
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client, err := newClient(ctx, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{}

	result.Objects, err = list(ctx, client, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", opts.Bucket, err)
	}
	logger.WithFields(logrus.Fields{
		"bucket":  opts.Bucket,
		"objects": len(result.Objects),
	}).Info("Listed bucket through proxy")

	if opts.UploadKey != "" {
		if err := roundTrip(ctx, client, opts, logger); err != nil {
			return nil, err
		}
		result.Uploaded = true
	}

	result.Duration = time.Since(start)
	return result, nil
}

func newClient(ctx context.Context, opts Options) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")),
		// aws-chunked trailers would reach the upstream unverified
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		awsconfig.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(opts.Endpoint)
		o.UsePathStyle = opts.PathStyle
	}), nil
}

func list(ctx context.Context, client *s3.Client, opts Options) ([]Object, error) {
	var objects []Object

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(opts.Bucket),
		Prefix:  aws.String(opts.Prefix),
		MaxKeys: aws.Int32(opts.MaxKeys),
	})
	for paginator.HasMorePages() && int32(len(objects)) < opts.MaxKeys {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	return objects, nil
}

func roundTrip(ctx context.Context, client *s3.Client, opts Options, logger *logrus.Entry) error {
	payload := []byte(fmt.Sprintf("s3-bucket-proxy probe %s", time.Now().UTC().Format(time.RFC3339Nano)))

	uploader := manager.NewUploader(client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(opts.Bucket),
		Key:         aws.String(opts.UploadKey),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		return fmt.Errorf("upload %s: %w", opts.UploadKey, err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(opts.Bucket),
		Key:    aws.String(opts.UploadKey),
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", opts.UploadKey, err)
	}
	defer out.Body.Close()

	got, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", opts.UploadKey, err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("%w: %s", ErrMismatch, opts.UploadKey)
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(opts.Bucket),
		Key:    aws.String(opts.UploadKey),
	}); err != nil {
		logger.WithError(err).WithField("key", opts.UploadKey).Warn("Failed to delete probe object")
	}

	logger.WithFields(logrus.Fields{
		"bucket": opts.Bucket,
		"key":    opts.UploadKey,
		"bytes":  len(payload),
	}).Info("Round trip through proxy succeeded")
	return nil
}
