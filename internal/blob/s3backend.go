// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// versionMetadataKey is the S3 object metadata field a blob's local
// version is stamped into, since S3 has no native integer version
// counter the way the fs side-file does.
const versionMetadataKey = "smok-blob-version"

// S3TargetConfig configures an S3-compatible blob backend.
type S3TargetConfig struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	UsePathStyle bool
}

// S3Backend is the optional S3-compatible blob backend, selected in
// place of FSBackend by config.
type S3Backend struct {
	client *s3.Client
	bucket string
}

func NewS3Backend(cfg S3TargetConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: S3 backend: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("blob: S3 backend: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	return &S3Backend{client: s3.NewFromConfig(awsCfg, opts), bucket: cfg.Bucket}, nil
}

func (sb *S3Backend) Load(key string) (Blob, error) {
	out, err := sb.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, fmt.Errorf("blob: S3 backend: get object %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Blob{}, err
	}
	version, _ := strconv.Atoi(out.Metadata[versionMetadataKey])
	return Blob{Key: key, Version: version, Bytes: data}, nil
}

func (sb *S3Backend) Store(key string, data []byte, version int) error {
	_, err := sb.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:   aws.String(sb.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{versionMetadataKey: strconv.Itoa(version)},
	})
	if err != nil {
		return fmt.Errorf("blob: S3 backend: put object %q: %w", key, err)
	}
	return nil
}

func (sb *S3Backend) Delete(key string) error {
	_, err := sb.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blob: S3 backend: delete object %q: %w", key, err)
	}
	return nil
}

func (sb *S3Backend) List() (map[string]int, error) {
	out := map[string]int{}
	var token *string
	for {
		page, err := sb.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
			Bucket:            aws.String(sb.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("blob: S3 backend: list objects: %w", err)
		}
		for _, obj := range page.Contents {
			head, err := sb.client.HeadObject(context.Background(), &s3.HeadObjectInput{
				Bucket: aws.String(sb.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				continue
			}
			version, _ := strconv.Atoi(head.Metadata[versionMetadataKey])
			out[aws.ToString(obj.Key)] = version
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}
