package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/objstore"
)

// newBucketClient builds the retry-wrapped bucket client from the shared
// config. Custom endpoints (minio and friends) force path-style addressing.
func newBucketClient(ctx context.Context, logger log.Logger) (objstore.Client, aws.Config, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if conf.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	base, err := objstore.NewS3(s3Client, objstore.S3Options{
		Bucket: conf.Bucket,
		Prefix: conf.S3Prefix,
	})
	if err != nil {
		return nil, aws.Config{}, err
	}
	return objstore.NewRetry(base, objstore.DefaultRetryPolicy(), logger), awsCfg, nil
}

// fetchSSMParam reads one (decrypted) parameter value. Used for tokens
// that should never sit in a unit file or shell history.
func fetchSSMParam(ctx context.Context, client *ssm.Client, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}
