package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/retry"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/util"
)

// S3Provider stores backup artifacts in AWS S3 (or any batch-delete-capable
// S3-compatible service).
type S3Provider struct {
	client *awss3.Client
	bucket string
	ro     retry.Options
}

func (p *S3Provider) Name() string { return "s3" }

// Upload stores data and validates the stored copy (size + sha256 metadata).
func (p *S3Provider) Upload(ctx context.Context, key string, data []byte) error {
	key = provider.NormalizeKey(key)
	sum := util.SHA256Bytes(data)

	upStart := time.Now()
	attempt := 0
	uploadOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "s3_upload").Str("bucket", p.bucket).Str("key", key).
			Int("attempt", attempt).Msg("starting attempt")

		_, err := p.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket:   aws.String(p.bucket),
			Key:      aws.String(key),
			Body:     bytes.NewReader(data),
			Metadata: map[string]string{"sha256": sum},
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "s3_upload").Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, isS3Retryable, uploadOnce); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	// Post-upload validation.
	head, err := p.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("validate (head): %w", err)
	}
	if head.ContentLength != nil && *head.ContentLength != int64(len(data)) {
		return fmt.Errorf("size mismatch: local=%d, remote=%d", len(data), *head.ContentLength)
	}
	if remote := head.Metadata["sha256"]; remote != "" && remote != sum {
		return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", sum, remote)
	}

	log.Info().Str("action", "s3_upload").Str("bucket", p.bucket).Str("key", key).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")
	return nil
}

// Download fetches an object with retries.
func (p *S3Provider) Download(ctx context.Context, key string) ([]byte, error) {
	key = provider.NormalizeKey(key)

	var data []byte
	attempt := 0
	downloadOnce := func(ctx context.Context) error {
		attempt++
		out, err := p.client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "s3_download").Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		defer func() { _ = out.Body.Close() }()
		data, err = io.ReadAll(out.Body)
		return err
	}
	if err := retry.Do(ctx, p.ro, isS3Retryable, downloadOnce); err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}

// List enumerates objects under prefix.
func (p *S3Provider) List(ctx context.Context, prefix string) ([]provider.ObjectInfo, error) {
	return listObjects(ctx, p.client, p.bucket, prefix)
}

// DeletePrefix removes every object under prefix with batch DeleteObjects.
func (p *S3Provider) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = provider.NormalizeKey(prefix)
	paginator := awss3.NewListObjectsV2Paginator(p.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			break
		}
		objects := make([]s3types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = s3types.ObjectIdentifier{Key: obj.Key}
		}
		_, err = p.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &s3types.Delete{Objects: objects},
		})
		if err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
		deleted += len(objects)
	}
	log.Info().Str("action", "s3_delete_prefix").Str("bucket", p.bucket).Str("prefix", prefix).
		Int("objects", deleted).Msg("prefix deleted")
	return nil
}

// GCSProvider stores backup artifacts in Google Cloud Storage through its
// S3 interoperability endpoint. GCS has no batch delete operation, so
// DeletePrefix removes objects one by one.
type GCSProvider struct {
	client *awss3.Client
	bucket string
	ro     retry.Options
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) Upload(ctx context.Context, key string, data []byte) error {
	key = provider.NormalizeKey(key)
	uploadOnce := func(ctx context.Context) error {
		_, err := p.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket:   aws.String(p.bucket),
			Key:      aws.String(key),
			Body:     bytes.NewReader(data),
			Metadata: map[string]string{"sha256": util.SHA256Bytes(data)},
		})
		return err
	}
	if err := retry.Do(ctx, p.ro, isS3Retryable, uploadOnce); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	log.Info().Str("action", "gcs_upload").Str("bucket", p.bucket).Str("key", key).Msg("upload OK")
	return nil
}

func (p *GCSProvider) Download(ctx context.Context, key string) ([]byte, error) {
	key = provider.NormalizeKey(key)
	var data []byte
	downloadOnce := func(ctx context.Context) error {
		out, err := p.client.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer func() { _ = out.Body.Close() }()
		data, err = io.ReadAll(out.Body)
		return err
	}
	if err := retry.Do(ctx, p.ro, isS3Retryable, downloadOnce); err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}

func (p *GCSProvider) List(ctx context.Context, prefix string) ([]provider.ObjectInfo, error) {
	return listObjects(ctx, p.client, p.bucket, prefix)
}

// DeletePrefix deletes objects one by one (no batch delete on GCS).
func (p *GCSProvider) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := listObjects(ctx, p.client, p.bucket, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		_, err := p.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(obj.Key),
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
	log.Info().Str("action", "gcs_delete_prefix").Str("bucket", p.bucket).Str("prefix", prefix).
		Int("objects", len(objects)).Msg("prefix deleted")
	return nil
}

func listObjects(ctx context.Context, client *awss3.Client, bucket, prefix string) ([]provider.ObjectInfo, error) {
	prefix = provider.NormalizeKey(prefix)
	paginator := awss3.NewListObjectsV2Paginator(client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	var out []provider.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := provider.ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// isS3Retryable: retry rules for S3-compatible services (timeout, 5xx, 429, 408).
func isS3Retryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		if re.HTTPStatusCode() == http.StatusTooManyRequests || re.HTTPStatusCode() == http.StatusRequestTimeout {
			return true
		}
		if re.HTTPStatusCode() >= 500 && re.HTTPStatusCode() <= 599 {
			return true
		}
	}
	return false
}
