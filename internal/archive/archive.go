// Package archive copies failed queue events to S3 so they can be inspected
// and replayed after the queue row is no longer interesting.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/models"
)

// Config holds the bucket settings.
type Config struct {
	Bucket        string
	Region        string
	Endpoint      string // empty for AWS; set for MinIO and other S3-compatible stores
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	Prefix        string
	RetentionDays int
}

// Putter is the part of the S3 client the archiver uses.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client with static credentials.
func NewS3Client(cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("archive: S3 credentials not available, set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", endpoint).
			Str("cleanedEndpoint", cleaned).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
		endpoint = cleaned
	}

	// Dotted bucket names break virtual-host TLS certificates.
	usePathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", usePathStyle).
		Msg("S3 archive client initialized")
	return client, nil
}

// Archiver is a queue observer that stores every failed event as a JSON
// object.
type Archiver struct {
	client    Putter
	bucket    string
	prefix    string
	retention time.Duration
	now       func() time.Time
}

func New(client Putter, cfg Config) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("archive: client cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "failed-events"
	}
	return &Archiver{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    prefix,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		now:       time.Now,
	}, nil
}

func (a *Archiver) Name() string { return "s3-archive" }

// Key is the object key of an archived event.
func (a *Archiver) Key(ev models.QueuedEvent) string {
	at := ev.UpdatedAt
	if ev.ProcessedAt != nil {
		at = *ev.ProcessedAt
	}
	if at.IsZero() {
		at = a.now()
	}
	at = at.UTC()
	return fmt.Sprintf("%s/%s/%s/%s/%s/%d.json",
		a.prefix, at.Format("2006"), at.Format("01"), at.Format("02"), ev.EventType, ev.ID)
}

// EventFinished uploads failed events; done events are ignored.
func (a *Archiver) EventFinished(ctx context.Context, ev models.QueuedEvent) error {
	if ev.Status != models.EventStatusFailed {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("archive event %d: %w", ev.ID, err)
	}
	key := a.Key(ev)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if a.retention > 0 {
		input.Expires = aws.Time(a.now().Add(a.retention))
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		log.Error().
			Err(err).
			Int64("eventID", ev.ID).
			Str("bucket", a.bucket).
			Str("key", key).
			Msg("Failed to archive event to S3")
		return fmt.Errorf("archive event %d: %w", ev.ID, err)
	}
	log.Info().
		Int64("eventID", ev.ID).
		Str("eventType", ev.EventType).
		Str("key", key).
		Int("size", len(body)).
		Msg("Failed event archived to S3")
	return nil
}
