package replication

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func stubAWS(t *testing.T, p *fakePutter) (*config.LoadOptions, *s3.Options) {
	t.Helper()
	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	t.Cleanup(func() { loadDefaultAWSConfig, newS3ClientFromConfig = origLoad, origNew })

	var (
		lo config.LoadOptions
		so s3.Options
	)
	loadDefaultAWSConfig = func(_ context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		return aws.Config{Region: lo.Region}, nil
	}
	newS3ClientFromConfig = func(_ aws.Config, optFns ...func(*s3.Options)) putter {
		for _, fn := range optFns {
			fn(&so)
		}
		return p
	}
	return &lo, &so
}

func TestNewS3Archive_Options(t *testing.T) {
	lo, so := stubAWS(t, &fakePutter{})

	_, err := NewS3Archive(context.Background(), S3Config{
		Bucket:       "changes",
		Region:       "eu-central-1",
		BaseEndpoint: "http://minio:9000",
		AccessKey:    "ak",
		SecretKey:    "sk",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "eu-central-1", lo.Region)
	require.NotNil(t, lo.Credentials)
	creds, err := lo.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ak", creds.AccessKeyID)
	assert.Equal(t, "sk", creds.SecretAccessKey)

	require.NotNil(t, so.BaseEndpoint)
	assert.Equal(t, "http://minio:9000", *so.BaseEndpoint)
	assert.True(t, so.UsePathStyle)
}

func TestNewS3Archive_DefaultCredentialsAndEndpoint(t *testing.T) {
	lo, so := stubAWS(t, &fakePutter{})

	_, err := NewS3Archive(context.Background(), S3Config{Bucket: "b", Region: "us-east-1"}, nil)
	require.NoError(t, err)
	assert.Nil(t, lo.Credentials)
	assert.Nil(t, so.BaseEndpoint)
	assert.False(t, so.UsePathStyle)
}

func TestNewS3Archive_ConfigError(t *testing.T) {
	stubAWS(t, &fakePutter{})
	loadDefaultAWSConfig = func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no profile")
	}

	_, err := NewS3Archive(context.Background(), S3Config{}, nil)
	assert.ErrorContains(t, err, "aws config: no profile")
}

func TestS3Archive_Publish(t *testing.T) {
	p := &fakePutter{}
	stubAWS(t, p)
	a, err := NewS3Archive(context.Background(), S3Config{Bucket: "archive", Region: "us-east-1"}, nil)
	require.NoError(t, err)

	c := protocol.Change{Namespace: "notes", FirstSequence: 3, LastSequence: 5, Frames: [][]byte{{1, 2}, {3}}}
	require.NoError(t, a.Publish(context.Background(), c))

	require.Len(t, p.inputs, 1)
	assert.Equal(t, "archive", *p.inputs[0].Bucket)
	assert.Equal(t, "changes/notes/00000000000000000003-00000000000000000005.bin", *p.inputs[0].Key)
	assert.Equal(t, ObjectKey(c), *p.inputs[0].Key)

	got, err := protocol.DecodeChange(p.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, c, got)

	p.err = errors.New("denied")
	err = a.Publish(context.Background(), c)
	assert.ErrorContains(t, err, "archive changes/notes/")
	assert.ErrorContains(t, err, "denied")
}
