package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
)

// S3API is the subset of the S3 client used by Uploader.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader archives backup directories to S3 as zstd-compressed tarballs.
type Uploader struct {
	client S3API
	bucket string
	prefix string
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithS3Client sets a custom S3 client (useful for testing).
func WithS3Client(c S3API) UploaderOption {
	return func(u *Uploader) { u.client = c }
}

// NewUploader creates an Uploader for bucket.
func NewUploader(bucket, prefix string, opts ...UploaderOption) (*Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket name required")
	}
	u := &Uploader{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	for _, o := range opts {
		o(u)
	}
	if u.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		u.client = s3.NewFromConfig(cfg)
	}
	return u, nil
}

// Upload writes dir as {prefix}/{label}/{stamp}.tar.zst and returns the key.
func (u *Uploader) Upload(ctx context.Context, dir, label, stamp string) (string, error) {
	var buf bytes.Buffer
	if err := writeArchive(&buf, dir); err != nil {
		return "", err
	}

	key := strings.TrimLeft(fmt.Sprintf("%s/%s/%s.tar.zst", u.prefix, label, stamp), "/")
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("putting backup to S3: %w", err)
	}
	return key, nil
}

func writeArchive(w io.Writer, dir string) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("archiving %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
