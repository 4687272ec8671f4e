package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"voicecard/internal/config"
	"voicecard/internal/models"
)

// Object metadata keys (S3 lower-cases user metadata).
const (
	metaSHA256    = "sha256"
	metaStage     = "stage"
	metaImmutable = "immutable"
	metaCreatedAt = "created-at"
)

// objectAPI is the part of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps artifacts as objects under prefix in a single bucket.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Store loads the default AWS credential chain and builds a client.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + strings.ReplaceAll(key, ":", "/")
}

// Put uploads data. Immutable writes are conditional on the object not existing; a lost
// race is resolved by comparing digests with the winner.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, meta Metadata) (Ref, error) {
	digest := Digest(data)
	existing, err := s.Stat(ctx, key)
	switch {
	case err == nil:
		ok, err := resolve(existing, digest, meta)
		if err != nil {
			return Ref{}, err
		}
		if ok {
			return existing, nil
		}
	case !errors.Is(err, ErrNotFound):
		return Ref{}, err
	}

	ref := Ref{
		Key:        key,
		Stage:      meta.Stage,
		MimeType:   meta.MimeType,
		ByteLength: int64(len(data)),
		SHA256:     digest,
		Immutable:  meta.Immutable,
		CreatedAt:  time.Now().UTC(),
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.MimeType),
		Metadata: map[string]string{
			metaSHA256:    digest,
			metaStage:     string(meta.Stage),
			metaImmutable: strconv.FormatBool(meta.Immutable),
			metaCreatedAt: ref.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if meta.Immutable {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			winner, statErr := s.Stat(ctx, key)
			if statErr != nil {
				return Ref{}, statErr
			}
			if _, err := resolve(winner, digest, meta); err != nil {
				return Ref{}, err
			}
			return winner, nil
		}
		return Ref{}, fmt.Errorf("put object: %w", err)
	}
	return ref, nil
}

// Get downloads the artifact.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, Ref, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, Ref{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, Ref{}, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Ref{}, fmt.Errorf("read object: %w", err)
	}
	ref := refFromObject(key, aws.ToString(out.ContentType), int64(len(data)), out.Metadata)
	if ref.SHA256 != "" && ref.SHA256 != Digest(data) {
		return nil, Ref{}, fmt.Errorf("artifact %s: content does not match recorded digest", key)
	}
	return data, ref, nil
}

// Exists reports whether the object is present.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat reads object metadata without the body.
func (s *S3Store) Stat(ctx context.Context, key string) (Ref, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Ref{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Ref{}, fmt.Errorf("head object: %w", err)
	}
	return refFromObject(key, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength), out.Metadata), nil
}

func refFromObject(key, contentType string, length int64, md map[string]string) Ref {
	immutable, _ := strconv.ParseBool(md[metaImmutable])
	created, _ := time.Parse(time.RFC3339Nano, md[metaCreatedAt])
	return Ref{
		Key:        key,
		Stage:      models.Stage(md[metaStage]),
		MimeType:   contentType,
		ByteLength: length,
		SHA256:     md[metaSHA256],
		Immutable:  immutable,
		CreatedAt:  created,
	}
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
