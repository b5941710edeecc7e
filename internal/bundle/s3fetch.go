package bundle

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
	"github.com/keithlinneman/linnemanlabs-ota/internal/xerrors"
)

// s3API is the subset of the S3 client S3Fetcher uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ssmAPI is the subset of the SSM client S3Fetcher uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type S3FetcherOptions struct {
	Logger log.Logger

	// SSM parameter holding the hash of the published bundle
	SSMParam string

	// S3 location for bundles: s3://{bucket}/{prefix}/{hash}.zip
	S3Bucket string
	S3Prefix string

	Algorithm cryptoutil.Algorithm
	TempDir   string
	MaxSize   int64

	// AWS config (uses default chain if nil)
	AWSConfig *aws.Config

	// Clients override the ones built from AWSConfig.
	S3Client  s3API
	SSMClient ssmAPI
}

// S3Fetcher reads the published hash from SSM and the archive from S3.
type S3Fetcher struct {
	opts   S3FetcherOptions
	s3     s3API
	ssm    ssmAPI
	logger log.Logger
}

func NewS3Fetcher(ctx context.Context, opts S3FetcherOptions) (*S3Fetcher, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Algorithm == "" {
		opts.Algorithm = cryptoutil.DefaultAlgorithm
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxDownloadSize
	}

	if opts.S3Client == nil || opts.SSMClient == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if opts.S3Client == nil {
			opts.S3Client = s3.NewFromConfig(awsCfg)
		}
		if opts.SSMClient == nil {
			opts.SSMClient = ssm.NewFromConfig(awsCfg)
		}
	}

	return &S3Fetcher{
		opts:   opts,
		s3:     opts.S3Client,
		ssm:    opts.SSMClient,
		logger: opts.Logger,
	}, nil
}

// FetchCurrentBundleHash gets the published bundle hash from SSM.
func (f *S3Fetcher) FetchCurrentBundleHash(ctx context.Context) (string, error) {
	out, err := f.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(f.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", f.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", f.opts.SSMParam)
	}

	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.ValidHash(f.opts.Algorithm, hash) {
		return "", xerrors.Mark(xerrors.Newf("SSM parameter %s holds a malformed hash", f.opts.SSMParam), xerrors.ErrInvalidHash)
	}
	return hash, nil
}

// s3Key returns the S3 object key for a given hash
func (f *S3Fetcher) s3Key(hash string) string {
	if f.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.zip", strings.TrimSuffix(f.opts.S3Prefix, "/"), hash)
	}
	return fmt.Sprintf("%s.zip", hash)
}

// Download fetches and verifies a bundle from S3.
func (f *S3Fetcher) Download(ctx context.Context, hash string) (string, error) {
	if !cryptoutil.ValidHash(f.opts.Algorithm, hash) {
		return "", xerrors.Mark(xerrors.Newf("malformed hash %q", hash), xerrors.ErrInvalidHash)
	}
	key := f.s3Key(hash)

	f.logger.Info(ctx, "downloading bundle",
		"bucket", f.opts.S3Bucket,
		"key", key,
		"expected_hash", truncHash(hash),
	)

	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", f.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	path, written, err := copyWithHash(out.Body, f.opts.Algorithm, f.opts.TempDir, f.opts.MaxSize, hash)
	if err != nil {
		return "", err
	}

	f.logger.Info(ctx, "downloaded bundle",
		"bytes", written,
		"hash", truncHash(hash),
	)
	return path, nil
}
