package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	// CreateBucket creates a missing bucket on start
	CreateBucket bool
}

// Minio implements CloudStorage on top of any S3 compatible service.
type Minio struct {
	client *minio.Client
	bucket string
}

var _ CloudStorage = (*Minio)(nil)

func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
		}
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (*url.URL, error) {
	var hdr http.Header
	if contentType != "" {
		hdr = http.Header{"Content-Type": []string{contentType}}
	}
	return m.client.PresignHeader(ctx, http.MethodPut, m.bucket, key, ttl, nil, hdr)
}

func (m *Minio) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var ret []ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, obj.Err)
		}
		ret = append(ret, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return ret, nil
}

func (m *Minio) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var ret []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix: prefix,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, obj.Err)
		}
		if !strings.HasSuffix(obj.Key, "/") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
		if name != "" {
			ret = append(ret, name)
		}
	}
	return ret, nil
}

func (m *Minio) Download(ctx context.Context, key string, w io.Writer) error {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("getting %s: %w", key, err)
	}
	defer func() {
		_ = obj.Close()
	}()
	if _, err := io.Copy(w, obj); err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	return nil
}

func (m *Minio) Delete(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

func (m *Minio) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return errors.New("refusing to delete an empty prefix")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		var err error
		defer func() { listErr <- err }()
		for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				err = obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for rerr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("removing %s: %w", rerr.ObjectName, rerr.Err))
	}
	cancel()
	if err := <-listErr; err != nil {
		errs = append(errs, fmt.Errorf("listing %s: %w", prefix, err))
	}
	return errors.Join(errs...)
}

func (m *Minio) TotalSize(ctx context.Context, prefix string) (int64, error) {
	objs, err := m.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	return total, nil
}
