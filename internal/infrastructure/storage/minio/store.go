package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/resilience"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/storage"
)

type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Store keeps uploads as objects in one bucket. The handle is the object key.
type Store struct {
	client *miniogo.Client
	bucket string
	exec   *resilience.Executor
}

// New connects to the endpoint and creates the bucket when it is missing.
// Every call is a single request: neither the client nor the executor retries.
func New(ctx context.Context, opts Options, exec *resilience.Executor) (*Store, error) {
	cli, err := miniogo.New(opts.Endpoint, &miniogo.Options{
		Creds:      credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:     opts.UseSSL,
		Region:     opts.Region,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, opts.Bucket, miniogo.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Store{client: cli, bucket: opts.Bucket, exec: exec}, nil
}

func (s *Store) Store(ctx context.Context, filename string, data []byte) (string, error) {
	key := storage.NewObjectKey(filename)
	err := s.exec.Execute(ctx, resilience.Call{
		Operation:     "minio.put_object",
		Classifier:    resilience.ClassifyContext(classifyMinioError),
		SingleAttempt: true,
	}, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
			ContentType: domain.SupportedContentType,
			UserMetadata: map[string]string{
				"original-filename": filename,
			},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

func (s *Store) Retrieve(ctx context.Context, handle string) ([]byte, error) {
	if !storage.ValidKey(handle) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve blob", fmt.Errorf("invalid handle %q", handle))
	}
	data, err := resilience.Run(ctx, s.exec, resilience.Call{
		Operation:     "minio.get_object",
		Classifier:    resilience.ClassifyContext(classifyMinioError),
		SingleAttempt: true,
	}, func(ctx context.Context) ([]byte, error) {
		obj, err := s.client.GetObject(ctx, s.bucket, handle, miniogo.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		defer obj.Close()
		return io.ReadAll(obj)
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, domain.WrapError(domain.ErrNotFound, "retrieve blob", fmt.Errorf("handle %s", handle))
		}
		return nil, fmt.Errorf("get object %s: %w", handle, err)
	}
	return data, nil
}

// Delete is idempotent: removing a missing object succeeds.
func (s *Store) Delete(ctx context.Context, handle string) error {
	if !storage.ValidKey(handle) {
		return domain.WrapError(domain.ErrInvalidInput, "delete blob", fmt.Errorf("invalid handle %q", handle))
	}
	err := s.exec.Execute(ctx, resilience.Call{
		Operation:     "minio.remove_object",
		Classifier:    resilience.ClassifyContext(classifyMinioError),
		SingleAttempt: true,
	}, func(ctx context.Context) error {
		return s.client.RemoveObject(ctx, s.bucket, handle, miniogo.RemoveObjectOptions{})
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("remove object %s: %w", handle, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var resp miniogo.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return miniogo.ToErrorResponse(err).Code == "NoSuchKey"
}

func classifyMinioError(err error) errorClass {
	if isNoSuchKey(err) {
		return errorClass{}
	}
	resp := miniogo.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return errorClass{Retryable: true, RecordFailure: true}
	case resp.StatusCode >= http.StatusBadRequest:
		return errorClass{}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errorClass{Retryable: true, RecordFailure: true}
	}
	return errorClass{RecordFailure: true}
}

type errorClass = resilience.ErrorClassification
