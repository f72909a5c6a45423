package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"giro/internal/config"
	"giro/internal/giro"
)

// Uploader is the part of manager.Uploader the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// AuditArchiver copies the audit log to object storage as JSON lines.
type AuditArchiver struct {
	repo     Repository
	uploader Uploader
	bucket   string
	prefix   string
	clock    giro.Clock
	logger   giro.Logger
}

func NewAuditArchiver(repo Repository, uploader Uploader, bucket, prefix string, clock giro.Clock, logger giro.Logger) *AuditArchiver {
	if clock == nil {
		clock = giro.RealClock{}
	}
	if logger == nil {
		logger = giro.NewNopLogger()
	}
	return &AuditArchiver{
		repo:     repo,
		uploader: uploader,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		clock:    clock,
		logger:   logger,
	}
}

// Archive uploads every audit entry and returns the object key.
func (a *AuditArchiver) Archive(ctx context.Context) (string, int, error) {
	entries, err := a.repo.ListAudit(ctx, "")
	if err != nil {
		return "", 0, fmt.Errorf("reading audit log: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", 0, fmt.Errorf("encoding audit entry %s: %w", e.ID, err)
		}
	}

	key := path.Join(a.prefix, "audit-"+a.clock.Now().UTC().Format("20060102T150405Z")+".jsonl")
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("uploading audit archive to s3://%s/%s: %w", a.bucket, key, err)
	}
	a.logger.Info("audit log archived", "bucket", a.bucket, "key", key, "entries", len(entries))
	return key, len(entries), nil
}

// NewArchiverFromConfig returns nil when archiving is disabled. Static
// credentials are taken from S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY when
// both are set; otherwise the default AWS chain applies.
func NewArchiverFromConfig(ctx context.Context, cfg config.ArchiveConfig, repo Repository, lookup func(string) (string, bool), clock giro.Clock, logger giro.Logger) (*AuditArchiver, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "s3":
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires s3_bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	id, okID := lookup("S3_ACCESS_KEY_ID")
	secret, okSecret := lookup("S3_SECRET_ACCESS_KEY")
	if okID && okSecret && id != "" && secret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewAuditArchiver(repo, manager.NewUploader(client), cfg.S3Bucket, cfg.S3Prefix, clock, logger), nil
}
