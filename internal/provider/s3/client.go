package s3

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/creds"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
)

// gcsInteropEndpoint is the S3-compatible endpoint of Google Cloud Storage.
const gcsInteropEndpoint = "https://storage.googleapis.com"

// newClient builds an S3 API client for the given endpoint with static
// credentials. Path-style addressing keeps bucket names out of DNS, which is
// required by most S3-compatible services.
func newClient(endpoint, region string, kp creds.KeyPair) *awss3.Client {
	if region == "" {
		region = "us-east-1"
	}
	return awss3.New(awss3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(kp.AccessKey, kp.SecretKey, ""),
		UsePathStyle: true,
	})
}

func keyPairFromConfig(c config.Config) (creds.KeyPair, error) {
	kp := creds.KeyPair{AccessKey: c.Storage.AccessKey, SecretKey: c.Storage.SecretKey}
	if kp.AccessKey == "" || kp.SecretKey == "" {
		return creds.Resolve(c)
	}
	return kp, nil
}

func init() {
	provider.Register("s3", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("s3: invalid config type")
		}
		kp, err := keyPairFromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		endpoint := config.ConstructEndpoint(c.Storage.Endpoint, c.Storage.Region)
		return &S3Provider{
			client: newClient(endpoint, c.Storage.Region, kp),
			bucket: c.Storage.Bucket,
			ro:     c.RetryOptions(),
		}, nil
	})

	provider.Register("gcs", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("gcs: invalid config type")
		}
		kp, err := keyPairFromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("gcs: %w", err)
		}
		endpoint := c.Storage.Endpoint
		if endpoint == "" {
			endpoint = gcsInteropEndpoint
		}
		return &GCSProvider{
			client: newClient(endpoint, c.Storage.Region, kp),
			bucket: c.Storage.Bucket,
			ro:     c.RetryOptions(),
		}, nil
	})
}
