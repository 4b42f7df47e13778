package media

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"vodnotes/internal/config"
)

// AudioPlacer optionally mirrors downloaded audio to S3 so the artifact
// survives worker-local disk loss. When no bucket is configured, placement is
// a no-op and the local path remains the only copy.
type AudioPlacer struct {
	client *s3.Client
	bucket string
}

func NewAudioPlacer(ctx context.Context, cfg config.Config) (*AudioPlacer, error) {
	if cfg.AudioS3Bucket == "" {
		return &AudioPlacer{}, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AudioS3Region),
	}
	if cfg.AudioS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AudioS3Endpoint,
					HostnameImmutable: cfg.AudioS3PathStyle,
					SigningRegion:     cfg.AudioS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AudioS3PathStyle
	})
	return &AudioPlacer{client: client, bucket: cfg.AudioS3Bucket}, nil
}

// Remote reports whether a bucket is configured.
func (p *AudioPlacer) Remote() bool { return p != nil && p.client != nil }

// Place uploads the local audio file under audio/<jobID>/ and returns its
// s3:// URI.
func (p *AudioPlacer) Place(ctx context.Context, jobID uuid.UUID, localPath string) (string, error) {
	if !p.Remote() {
		return localPath, nil
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := path.Join("audio", jobID.String(), path.Base(localPath))
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("audio/mp4"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}
