package replication

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) putter {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// S3Archive stores every change as one object, keyed so that a listing of
// a namespace prefix returns changes in sequence order.
type S3Archive struct {
	client putter
	bucket string
	logger logging.Logger
}

func NewS3Archive(ctx context.Context, c S3Config, l logging.Logger) (*S3Archive, error) {
	if l == nil {
		l = logging.Nop()
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if c.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(c.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: c.Bucket, logger: l.With("module", "s3_archive")}, nil
}

// ObjectKey names the archive object of c.
func ObjectKey(c protocol.Change) string {
	return fmt.Sprintf("changes/%s/%020d-%020d.bin", c.Namespace, c.FirstSequence, c.LastSequence)
}

func (a *S3Archive) Publish(ctx context.Context, c protocol.Change) error {
	key := ObjectKey(c)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(protocol.EncodeChange(c)),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.logger.Debug(ctx, "change archived", "key", key)
	return nil
}
