package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	metaDigest  = "digest"
	metaCreated = "created-at"
	objectExt   = ".sqlite"
)

// S3Config holds S3/MinIO configuration.
type S3Config struct {
	// Endpoint is the S3 endpoint URL (e.g., "http://localhost:9000" for MinIO)
	Endpoint string `env:"ENDPOINT"`

	// Region is the AWS region
	Region string `env:"REGION" envDefault:"us-east-1"`

	// Bucket is the S3 bucket name
	Bucket string `env:"BUCKET" envDefault:"sqlworker-snapshots"`

	// AccessKeyID is the access key
	AccessKeyID string `env:"ACCESS_KEY_ID"`

	// SecretAccessKey is the secret key
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `env:"USE_PATH_STYLE" envDefault:"true"`

	// Prefix is the key prefix for every snapshot object
	Prefix string `env:"PREFIX" envDefault:"snapshots"`
}

// S3Store keeps snapshots as objects named {prefix}/{name}/{id}.sqlite.
type S3Store struct {
	client *s3.Client
	config S3Config
	logger *slog.Logger
}

// NewS3Store creates an S3-backed store.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("S3 snapshot store created",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
		"region", cfg.Region,
	)

	return &S3Store{
		client: client,
		config: cfg,
		logger: logger.With("component", "snapshot-s3"),
	}, nil
}

func (s *S3Store) Save(ctx context.Context, name string, data []byte) (Snapshot, error) {
	snap, err := newSnapshot(name, data)
	if err != nil {
		return Snapshot{}, err
	}
	if strings.Contains(name, "/") {
		return Snapshot{}, fmt.Errorf("snapshot: name %q must not contain '/'", name)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(objectKey(s.config.Prefix, snap.Name, snap.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.sqlite3"),
		Metadata: map[string]string{
			metaDigest:  snap.Digest,
			metaCreated: strconv.FormatInt(snap.CreatedAt.UnixMilli(), 10),
		},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to upload snapshot: %w", err)
	}

	s.logger.Info("Saved snapshot", "id", snap.ID, "name", name, "size_bytes", snap.Size)
	return snap, nil
}

// Load finds the object by id. Ids are not indexed by name, so this lists
// the whole prefix.
func (s *S3Store) Load(ctx context.Context, id string) (Snapshot, []byte, error) {
	snaps, err := s.List(ctx, "")
	if err != nil {
		return Snapshot{}, nil, err
	}
	for _, snap := range snaps {
		if snap.ID == id {
			return s.fetch(ctx, snap)
		}
	}
	return Snapshot{}, nil, ErrNotFound
}

func (s *S3Store) Latest(ctx context.Context, name string) (Snapshot, []byte, error) {
	if name == "" {
		return Snapshot{}, nil, ErrEmptyName
	}
	snaps, err := s.List(ctx, name)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, nil, ErrNotFound
	}
	return s.fetch(ctx, snaps[0])
}

func (s *S3Store) fetch(ctx context.Context, snap Snapshot) (Snapshot, []byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objectKey(s.config.Prefix, snap.Name, snap.ID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return Snapshot{}, nil, ErrNotFound
		}
		return Snapshot{}, nil, fmt.Errorf("failed to download snapshot: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("failed to read snapshot body: %w", err)
	}

	snap.Digest = out.Metadata[metaDigest]
	if ms, err := strconv.ParseInt(out.Metadata[metaCreated], 10, 64); err == nil {
		snap.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if err := verify(snap, data); err != nil {
		return Snapshot{}, nil, err
	}
	return snap, data, nil
}

// List does not fill in Digest; it is only known once an object is fetched.
func (s *S3Store) List(ctx context.Context, name string) ([]Snapshot, error) {
	prefix := keyPrefix(s.config.Prefix)
	if name != "" {
		prefix += name + "/"
	}

	snaps := []Snapshot{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			snap, ok := parseKey(s.config.Prefix, aws.ToString(obj.Key))
			if !ok {
				continue
			}
			snap.Size = aws.ToInt64(obj.Size)
			snap.CreatedAt = aws.ToTime(obj.LastModified).UTC()
			snaps = append(snaps, snap)
		}
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID > snaps[j].ID })
	return snaps, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	snaps, err := s.List(ctx, "")
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.ID != id {
			continue
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(objectKey(s.config.Prefix, snap.Name, snap.ID)),
		})
		if err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		return nil
	}
	return ErrNotFound
}

func (s *S3Store) Close() error {
	return nil
}

func objectKey(prefix, name, id string) string {
	return path.Join(strings.Trim(prefix, "/"), name, id+objectExt)
}

func keyPrefix(prefix string) string {
	if p := strings.Trim(prefix, "/"); p != "" {
		return p + "/"
	}
	return ""
}

// parseKey is the inverse of objectKey.
func parseKey(prefix, key string) (Snapshot, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix(prefix))
	if !ok {
		return Snapshot{}, false
	}
	name, file, ok := strings.Cut(rest, "/")
	if !ok || name == "" || strings.Contains(file, "/") {
		return Snapshot{}, false
	}
	id, ok := strings.CutSuffix(file, objectExt)
	if !ok || id == "" {
		return Snapshot{}, false
	}
	return Snapshot{ID: id, Name: name}, true
}
