package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/retry"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/util"
)

// AzureProvider stores backup artifacts in Azure Blob Storage. Blob storage
// has no batch delete, so DeletePrefix removes blobs one by one.
type AzureProvider struct {
	client    *azblob.Client
	container string
	ro        retry.Options
}

func (p *AzureProvider) Name() string { return "azure" }

// Upload stores data and validates the stored size by listing the exact key.
func (p *AzureProvider) Upload(ctx context.Context, key string, data []byte) error {
	key = provider.NormalizeKey(key)
	sum := util.SHA256Bytes(data)

	upStart := time.Now()
	attempt := 0
	uploadOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "azure_upload").Str("container", p.container).Str("key", key).
			Int("attempt", attempt).Msg("starting attempt")

		_, err := p.client.UploadBuffer(ctx, p.container, key, data, &azblob.UploadBufferOptions{
			Metadata: map[string]*string{"sha256": to.Ptr(sum)},
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_upload").Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, p.isAzRetryable, uploadOnce); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	found, remoteSize, err := p.sizeByList(ctx, key)
	if err != nil {
		return fmt.Errorf("validate (list): %w", err)
	}
	if !found {
		return fmt.Errorf("uploaded blob not found at %q", key)
	}
	if remoteSize != int64(len(data)) {
		return fmt.Errorf("size mismatch: local=%d, remote=%d", len(data), remoteSize)
	}

	log.Info().Str("action", "azure_upload").Str("container", p.container).Str("key", key).
		Int("attempts", attempt).Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")
	return nil
}

// Download fetches a blob with retries.
func (p *AzureProvider) Download(ctx context.Context, key string) ([]byte, error) {
	key = provider.NormalizeKey(key)

	var data []byte
	attempt := 0
	downloadOnce := func(ctx context.Context) error {
		attempt++
		resp, err := p.client.DownloadStream(ctx, p.container, key, nil)
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_download").Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err = io.ReadAll(resp.Body)
		return err
	}
	if err := retry.Do(ctx, p.ro, p.isAzRetryable, downloadOnce); err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}

// List enumerates blobs under prefix.
func (p *AzureProvider) List(ctx context.Context, prefix string) ([]provider.ObjectInfo, error) {
	prefix = provider.NormalizeKey(prefix)
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	var out []provider.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name == nil {
				continue
			}
			info := provider.ObjectInfo{Key: *it.Name}
			if it.Properties != nil && it.Properties.ContentLength != nil {
				info.Size = *it.Properties.ContentLength
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// DeletePrefix deletes blobs one by one.
func (p *AzureProvider) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := p.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if _, err := p.client.DeleteBlob(ctx, p.container, obj.Key, nil); err != nil {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
	log.Info().Str("action", "azure_delete_prefix").Str("container", p.container).
		Str("prefix", prefix).Int("objects", len(objects)).Msg("prefix deleted")
	return nil
}

// sizeByList finds the exact blob and returns (found, size).
func (p *AzureProvider) sizeByList(ctx context.Context, exactKey string) (bool, int64, error) {
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(exactKey),
		MaxResults: to.Ptr(int32(1)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, 0, err
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name != nil && *it.Name == exactKey {
				if it.Properties != nil && it.Properties.ContentLength != nil {
					return true, *it.Properties.ContentLength, nil
				}
				return true, 0, nil
			}
		}
	}
	return false, 0, nil
}

// isAzRetryable: retry rules for Azure (timeout, 5xx, 429, 408, ServerBusy).
func (p *AzureProvider) isAzRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return true
		}
		if re.StatusCode >= 500 && re.StatusCode <= 599 {
			return true
		}
		if re.ErrorCode == string(bloberror.ServerBusy) {
			return true
		}
	}
	return false
}
