package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Export serializes events in the requested format. JSON produces a
// single array, NDJSON one object per line, CSV a header row plus one
// row per event with metadata flattened to a JSON column.
func Export(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return json.MarshalIndent(events, "", "  ")
	case ExportFormatNDJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, event := range events {
			if err := enc.Encode(event); err != nil {
				return nil, fmt.Errorf("failed to encode event %d: %w", event.ID, err)
			}
		}
		return buf.Bytes(), nil
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

var csvHeader = []string{
	"id", "timestamp", "event_type", "action", "outcome",
	"actor_id", "actor_email", "actor_role",
	"resource_type", "resource_id", "resource_name",
	"ip_address", "request_id", "method", "path", "status_code",
	"error_message", "metadata",
}

func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	for _, event := range events {
		actorID := ""
		if event.ActorID != nil {
			actorID = strconv.FormatInt(*event.ActorID, 10)
		}
		metadata := ""
		if event.Metadata != nil {
			raw, err := json.Marshal(event.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata for event %d: %w", event.ID, err)
			}
			metadata = string(raw)
		}
		row := []string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.EventType),
			event.Action,
			string(event.Outcome),
			actorID,
			event.ActorEmail,
			event.ActorRole,
			string(event.ResourceType),
			event.ResourceID,
			event.ResourceName,
			event.IPAddress,
			event.RequestID,
			event.Method,
			event.Path,
			strconv.Itoa(event.StatusCode),
			event.ErrorMessage,
			metadata,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ContentType returns the MIME type for an export format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// ArchiveStore persists export archives outside the live database.
type ArchiveStore interface {
	// Put writes an archive under the given key
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// FilesystemArchive stores archives under a local directory.
type FilesystemArchive struct {
	baseDir string
}

// NewFilesystemArchive creates the base directory if needed.
func NewFilesystemArchive(baseDir string) (*FilesystemArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FilesystemArchive{baseDir: baseDir}, nil
}

func (a *FilesystemArchive) Put(_ context.Context, key string, data []byte, _ string) error {
	path := filepath.Join(a.baseDir, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create archive subdirectory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// S3Archive stores archives in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds S3 archive settings. Endpoint and static
// credentials are optional and exist for S3-compatible stores.
type S3ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Archive creates an S3-backed archive store.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}
	return nil
}

// ArchiveKey builds the object key for an export covering a time range.
func ArchiveKey(format ExportFormat, until time.Time) string {
	return fmt.Sprintf("audit/%s/audit-%s.%s",
		until.UTC().Format("2006/01"),
		until.UTC().Format("20060102T150405Z"),
		format)
}
