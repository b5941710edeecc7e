package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/keithlinneman/linnemanlabs-ota/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	v "github.com/keithlinneman/linnemanlabs-ota/internal/version"
)

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return awsCfg, nil
}

func newKMSVerifier(ctx context.Context, keyARN string) (*cryptoutil.KMSVerifier, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), keyARN), nil
}

// newFetcher builds the watcher's Fetcher for the configured source.
// Returns nil for cfg.FetchNone. Requires open.
func (a *app) newFetcher(ctx context.Context) (bundle.Fetcher, error) {
	alg := a.repo.Algorithm()
	tmp := filepath.Join(a.conf.DataDir, "downloads")
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	switch a.conf.FetchSource {
	case cfg.FetchNone:
		return nil, nil
	case cfg.FetchS3:
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		f, err := bundle.NewS3Fetcher(ctx, bundle.S3FetcherOptions{
			Logger:    a.L,
			SSMParam:  a.conf.SSMParam,
			S3Bucket:  a.conf.S3Bucket,
			S3Prefix:  a.conf.S3Prefix,
			Algorithm: alg,
			TempDir:   tmp,
			MaxSize:   a.conf.MaxTotalSize,
			AWSConfig: &awsCfg,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	case cfg.FetchHTTP:
		f, err := bundle.NewHTTPFetcher(bundle.HTTPFetcherOptions{
			Logger:     a.L,
			Source:     a.mgr,
			Passphrase: a.passphrase,
			Algorithm:  alg,
			TempDir:    tmp,
			MaxSize:    a.conf.MaxTotalSize,
			UserAgent:  v.UserAgent(),
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown fetch source %q", a.conf.FetchSource)
}
