package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/clinicsync/clinicsync/internal/logging"
	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// S3Config configures the S3-compatible blob store. Endpoint may point at
// MinIO or any other S3-compatible service.
type S3Config struct {
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Storage implements Storage on an S3-compatible bucket. The object key
// doubles as the blob id.
type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
	log    logging.Logger
}

func NewS3Storage(ctx context.Context, cfg S3Config, log logging.Logger) (*S3Storage, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindAuth, syncerr.CodeInvalidCredentials, "remote.init", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, log: log}, nil
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Storage) Upload(ctx context.Context, name string, data []byte) (string, error) {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", mapS3Error("remote.upload", err)
	}
	s.log.Debug(ctx, "uploaded blob", "key", key, "size", len(data))
	return key, nil
}

func (s *S3Storage) Download(ctx context.Context, id string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, mapS3Error("remote.download", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, mapS3Error("remote.download", err)
	}
	return data, nil
}

func (s *S3Storage) List(ctx context.Context) ([]Descriptor, error) {
	var out []Descriptor

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("remote.list", err)
		}
		for _, obj := range page.Contents {
			out = append(out, descriptorFromObject(obj))
		}
	}
	return out, nil
}

func (s *S3Storage) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return mapS3Error("remote.delete", err)
	}
	return nil
}

func (s *S3Storage) Latest(ctx context.Context) (*Descriptor, error) {
	descriptors, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var latest *Descriptor
	for i := range descriptors {
		if latest == nil || descriptors[i].CreatedAt.After(latest.CreatedAt) {
			latest = &descriptors[i]
		}
	}
	return latest, nil
}

func descriptorFromObject(obj types.Object) Descriptor {
	d := Descriptor{Kind: "backup"}
	if obj.Key != nil {
		d.ID = *obj.Key
		d.Name = path.Base(*obj.Key)
		// Backup names follow {tenant}_{timestamp}.enc.
		if i := strings.Index(d.Name, "_"); i > 0 {
			d.TenantID = d.Name[:i]
		}
	}
	if obj.LastModified != nil {
		d.CreatedAt = obj.LastModified.UTC()
	}
	if obj.Size != nil {
		d.Size = *obj.Size
	}
	return d
}

// mapS3Error translates SDK failures into tagged error kinds understood by
// the resilience layer.
func mapS3Error(op string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeNotFound, op, err)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeNotFound, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeNotFound, op, err)
		case "AccessDenied":
			return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeAccessDenied, op, err)
		case "QuotaExceeded", "EntityTooLarge":
			return syncerr.Wrap(syncerr.KindStorage, syncerr.CodeQuotaExceeded, op, err)
		case "SlowDown", "TooManyRequests", "Throttling", "ThrottlingException":
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeRateLimited, op, err)
		case "RequestTimeout":
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeTimeout, op, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
			return syncerr.Wrap(syncerr.KindAuth, syncerr.CodeInvalidCredentials, op, err)
		case "InternalError", "ServiceUnavailable":
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeServerError, op, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeTimeout, op, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeDNSFailure, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeTimeout, op, err)
		}
		return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeNoConnectivity, op, err)
	}

	return syncerr.Wrap(syncerr.KindNetwork, syncerr.CodeServerError, op, err)
}
