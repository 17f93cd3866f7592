package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/chirino/messenger-service/internal/config"
	"github.com/chirino/messenger-service/internal/model"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.AttachmentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: S3_BUCKET is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return New(client, cfg.S3Bucket, cfg.S3Prefix, filepath.Join(cfg.ResolvedAttachmentsDir(), ".spool")), nil
}

// S3AttachmentStore keeps attachments as objects named
// [<prefix>/]<conversationID>/<kind>/<filename>.
type S3AttachmentStore struct {
	client   *s3.Client
	bucket   string
	prefix   string
	spoolDir string
}

func New(client *s3.Client, bucket, prefix, spoolDir string) *S3AttachmentStore {
	return &S3AttachmentStore{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(strings.TrimSpace(prefix), "/"),
		spoolDir: spoolDir,
	}
}

func (s *S3AttachmentStore) key(conversationID int64, kind model.AttachmentKind, filename string) (string, error) {
	key, err := registryattach.ObjectKey(conversationID, kind, filename)
	if err != nil {
		return "", err
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key, nil
}

func (s *S3AttachmentStore) Store(ctx context.Context, conversationID int64, kind model.AttachmentKind, originalName string, data io.Reader, maxSize int64) (string, error) {
	filename := registryattach.NewFilename(originalName)
	key, err := s.key(conversationID, kind, filename)
	if err != nil {
		return "", err
	}

	// PutObject needs a known length, so the upload is buffered on disk first.
	tmp, size, err := registryattach.Spool(s.spoolDir, data, maxSize)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          tmp,
		ContentLength: aws.Int64(size),
	}, func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	if err != nil {
		return "", fmt.Errorf("s3store: put object: %w", err)
	}
	return filename, nil
}

func (s *S3AttachmentStore) Retrieve(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) (io.ReadCloser, error) {
	key, err := s.key(conversationID, kind, filename)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, registryattach.ErrNotFound
		}
		return nil, fmt.Errorf("s3store: get object: %w", err)
	}
	return resp.Body, nil
}

// Release deletes the object. S3 DeleteObject already succeeds for missing keys.
func (s *S3AttachmentStore) Release(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) error {
	key, err := s.key(conversationID, kind, filename)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil
		}
		return fmt.Errorf("s3store: delete object: %w", err)
	}
	return nil
}

var _ registryattach.AttachmentStore = (*S3AttachmentStore)(nil)
