// Package archive uploads signed pass bundles to object storage and hands back
// a time-limited download link.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DefaultURLExpiry is how long a presigned download link stays valid.
const DefaultURLExpiry = 15 * time.Minute

const bundleContentType = "application/vnd.apple.pkpass"

// Archiver stores a bundle and returns a URL the holder can download it from.
type Archiver interface {
	ArchiveBundle(ctx context.Context, cardID, fingerprint string, data []byte) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Archiver writes bundles to paths like:
//
//	s3://<bucket>/<prefix>/bundles/<cardID>/<fingerprint>.pkpass
//
// Identical content maps to the same key, so re-uploads are idempotent.
type S3Archiver struct {
	bucket    string
	prefix    string
	expiry    time.Duration
	uploader  uploader
	presigner presigner
}

// NewS3Archiver creates an S3Archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, bucket, prefix string, expiry time.Duration) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newS3Archiver(bucket, prefix, expiry, manager.NewUploader(client), s3.NewPresignClient(client)), nil
}

func newS3Archiver(bucket, prefix string, expiry time.Duration, up uploader, pre presigner) *S3Archiver {
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	return &S3Archiver{
		bucket:    bucket,
		prefix:    prefix,
		expiry:    expiry,
		uploader:  up,
		presigner: pre,
	}
}

// Key returns the object key for a bundle.
func (s *S3Archiver) Key(cardID, fingerprint string) string {
	return path.Join(s.prefix, "bundles", cardID, fingerprint+".pkpass")
}

func (s *S3Archiver) ArchiveBundle(ctx context.Context, cardID, fingerprint string, data []byte) (string, error) {
	if cardID == "" || fingerprint == "" {
		return "", fmt.Errorf("card id and fingerprint required")
	}
	key := s.Key(cardID, fingerprint)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(bundleContentType),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
