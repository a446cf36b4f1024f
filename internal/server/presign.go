package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nbatchelor/visionchat/internal/config"
)

// Presigner issues one credentialed upload destination per object key.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string) (string, error)
}

// S3Presigner issues presigned S3 PUT URLs. The URL accepts a direct PUT of
// the raw file bytes with a matching content-type header until it expires.
type S3Presigner struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

func NewS3Presigner(ctx context.Context, cfg config.Upload) (*S3Presigner, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("missing bucket")
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Presigner{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		expiry:  cfg.Expiry(),
	}, nil
}

func (p *S3Presigner) PresignPut(ctx context.Context, key, contentType string) (string, error) {
	if p == nil {
		return "", errors.New("nil presigner")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("missing key")
	}
	req, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(strings.TrimSpace(contentType)),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
