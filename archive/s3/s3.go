// Package s3 implements archive.Store on an S3-compatible bucket (AWS S3
// or MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alexshd/uqbench/archive"
)

// Config holds explicit construction parameters. Empty credentials fall
// back to the default AWS chain.
type Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`   // prepended to every key
	Endpoint        string `yaml:"endpoint"` // custom endpoint, e.g. MinIO
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	PathStyle       bool   `yaml:"path_style"`
}

// Store is an archive.Store backed by one bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ archive.Store = (*Store)(nil)

// Environment variables read by OpenFromEnv:
//
//	UQBENCH_ARCHIVE_S3_BUCKET (required)
//	UQBENCH_ARCHIVE_S3_REGION (default us-east-1)
//	UQBENCH_ARCHIVE_S3_PREFIX
//	UQBENCH_ARCHIVE_S3_ENDPOINT
//	UQBENCH_ARCHIVE_S3_PATH_STYLE=true|false

// New creates a store. optFns are applied to the S3 client options after
// cfg, e.g. to install a custom HTTP client.
func New(ctx context.Context, cfg Config, optFns ...func(*s3.Options)) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	base := func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}
	client := s3.NewFromConfig(awsCfg, append([]func(*s3.Options){base}, optFns...)...)
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// OpenFromEnv constructs a store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("UQBENCH_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("UQBENCH_ARCHIVE_S3_BUCKET required for s3 archive")
	}
	return New(ctx, Config{
		Bucket:    bucket,
		Region:    os.Getenv("UQBENCH_ARCHIVE_S3_REGION"),
		Prefix:    os.Getenv("UQBENCH_ARCHIVE_S3_PREFIX"),
		Endpoint:  os.Getenv("UQBENCH_ARCHIVE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("UQBENCH_ARCHIVE_S3_PATH_STYLE"), "true"),
	})
}

func (s *Store) Driver() archive.Driver { return archive.DriverS3 }

func (s *Store) objectKey(key string) (string, error) {
	k, err := archive.CleanKey(key)
	if err != nil {
		return "", err
	}
	return s.prefix + k, nil
}

// Put uploads a new object. S3 has no create-only write, so existence is
// checked with a HEAD first.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts archive.PutOptions) (archive.Info, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return archive.Info{}, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey}); err == nil {
		return archive.Info{}, fmt.Errorf("%w: %s", archive.ErrExists, key)
	} else if !isNotFound(err) {
		return archive.Info{}, err
	}

	// reports are small; a seekable body gives the signer a content length
	body, ok := r.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(r)
		if err != nil {
			return archive.Info{}, err
		}
		body = bytes.NewReader(b)
	}
	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &objKey, Body: body}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return archive.Info{}, fmt.Errorf("put %s: %w", objKey, err)
	}
	return s.head(ctx, key, objKey)
}

func (s *Store) Get(ctx context.Context, key string) (archive.Info, io.ReadCloser, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return archive.Info{}, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		if isNotFound(err) {
			return archive.Info{}, nil, fmt.Errorf("%w: %s", archive.ErrNotFound, key)
		}
		return archive.Info{}, nil, err
	}
	info := s.info(key, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified)
	return info, out.Body, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]archive.Info, error) {
	full := s.prefix + prefix
	var infos []archive.Info
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &full, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			infos = append(infos, archive.Info{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) head(ctx context.Context, key, objKey string) (archive.Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		return archive.Info{}, err
	}
	return s.info(key, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

func (s *Store) info(key string, size *int64, contentType, etag *string, md map[string]string, lastModified *time.Time) archive.Info {
	info := archive.Info{
		Key:          key,
		Size:         aws.ToInt64(size),
		ContentType:  aws.ToString(contentType),
		ETag:         strings.Trim(aws.ToString(etag), `"`),
		LastModified: aws.ToTime(lastModified),
	}
	if len(md) > 0 {
		info.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			info.Metadata[k] = v
		}
	}
	return info
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
