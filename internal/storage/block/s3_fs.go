package block

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3FS implements Storage against an S3 bucket, used when cfg.Archive.Type
// is "s3" — the durability tier a single-node deployment reaches for once
// local disk alone isn't enough for sealed segments and snapshots.
type S3FS struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3FS creates a new S3 filesystem storage
func NewS3FS(cfg Config) (*S3FS, error) {
	bucket := cfg.Options["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required for S3 storage")
	}

	region := cfg.Options["region"]
	if region == "" {
		region = "us-east-1" // Default region
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	// Optional prefix for all operations
	prefix := cfg.Options["prefix"]

	return &S3FS{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Reader returns a reader for the specified path
func (s3fs *S3FS) Reader(ctx context.Context, path string) (io.ReadCloser, error) {
	key := s3fs.getKey(path)

	output, err := s3fs.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s3fs.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, &StorageError{Op: "get", Path: path, Err: ErrNotFound.Err}
		}
		return nil, &StorageError{Op: "get", Path: path, Err: err}
	}

	return output.Body, nil
}

// Writer returns a writer for the specified path
func (s3fs *S3FS) Writer(ctx context.Context, path string) (io.WriteCloser, error) {
	return &s3Writer{
		s3fs: s3fs,
		key:  s3fs.getKey(path),
		ctx:  ctx,
	}, nil
}

// Stat returns metadata for the specified path
func (s3fs *S3FS) Stat(ctx context.Context, path string) (*Metadata, error) {
	key := s3fs.getKey(path)

	output, err := s3fs.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s3fs.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, &StorageError{Op: "head", Path: path, Err: ErrNotFound.Err}
		}
		return nil, &StorageError{Op: "head", Path: path, Err: err}
	}

	return &Metadata{
		Path:    path,
		Size:    aws.ToInt64(output.ContentLength),
		ModTime: output.LastModified.Unix(),
		ETag:    aws.ToString(output.ETag),
	}, nil
}

// List returns metadata for all files with the specified prefix
func (s3fs *S3FS) List(ctx context.Context, prefix string) ([]*Metadata, error) {
	key := s3fs.getKey(prefix)

	var results []*Metadata
	paginator := s3.NewListObjectsV2Paginator(s3fs.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3fs.bucket),
		Prefix: aws.String(key),
	})

	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &StorageError{Op: "list", Path: prefix, Err: err}
		}

		for _, object := range output.Contents {
			relPath := s3fs.getRelativePath(aws.ToString(object.Key))

			results = append(results, &Metadata{
				Path:    relPath,
				Size:    aws.ToInt64(object.Size),
				ModTime: object.LastModified.Unix(),
				ETag:    aws.ToString(object.ETag),
			})
		}
	}

	return results, nil
}

// Helper methods

func (s3fs *S3FS) getKey(path string) string {
	if s3fs.prefix == "" {
		return path
	}
	return s3fs.prefix + "/" + path
}

func (s3fs *S3FS) getRelativePath(key string) string {
	if s3fs.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s3fs.prefix+"/")
}

func isS3NotFound(err error) bool {
	// Check for S3-specific not found errors
	// This is a simplified check; in production you might want more sophisticated error handling
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

// s3Writer implements io.WriteCloser for S3 objects
type s3Writer struct {
	s3fs   *S3FS
	key    string
	ctx    context.Context
	buffer []byte
}

func (s3w *s3Writer) Write(p []byte) (n int, err error) {
	s3w.buffer = append(s3w.buffer, p...)
	return len(p), nil
}

func (s3w *s3Writer) Close() error {
	// Upload the entire buffer to S3
	_, err := s3w.s3fs.client.PutObject(s3w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(s3w.s3fs.bucket),
		Key:    aws.String(s3w.key),
		Body:   strings.NewReader(string(s3w.buffer)),
	})
	return err
}
