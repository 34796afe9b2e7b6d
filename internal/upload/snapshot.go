package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fxamacker/cbor/v2"

	"github.com/openambit/ambit-sync/internal/config"
	"github.com/openambit/ambit-sync/internal/integration"
)

// Snapshot is the debug copy of one delivered log: the bytes read from the
// device and the document built from them
type Snapshot struct {
	Serial   string
	LogID    uint32
	Raw      []byte
	Document *integration.Document
}

func (s *Snapshot) name() string {
	return fmt.Sprintf("%010d", s.LogID)
}

// Sink stores snapshots
type Sink interface {
	Write(ctx context.Context, snap *Snapshot) error
}

var cborMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic("upload: CBOR encoder initialization failed: " + err.Error())
	}
	cborMode = mode
}

// EncodeDocument encodes a document with deterministic CBOR
func EncodeDocument(doc *integration.Document) ([]byte, error) {
	return cborMode.Marshal(doc)
}

// FileSink writes snapshots to <dir>/<serial>/<id>.raw and .cbor
type FileSink struct {
	dir string
}

// NewFileSink creates a file sink rooted at dir
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Write implements Sink
func (f *FileSink) Write(ctx context.Context, snap *Snapshot) error {
	doc, err := EncodeDocument(snap.Document)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Join(f.dir, snap.Serial)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	base := filepath.Join(dir, snap.name())
	if err := os.WriteFile(base+".raw", snap.Raw, 0o644); err != nil {
		return fmt.Errorf("write raw snapshot: %w", err)
	}
	if err := os.WriteFile(base+".cbor", doc, 0o644); err != nil {
		return fmt.Errorf("write document snapshot: %w", err)
	}
	return nil
}

// S3Sink writes snapshots to an S3 compatible bucket
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink creates an S3 sink from configuration
func NewS3Sink(ctx context.Context, cfg *config.S3Config) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Sink) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Write implements Sink
func (s *S3Sink) Write(ctx context.Context, snap *Snapshot) error {
	doc, err := EncodeDocument(snap.Document)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	base := path.Join(s.prefix, snap.Serial, snap.name())
	if err := s.put(ctx, base+".raw", "application/octet-stream", snap.Raw); err != nil {
		return err
	}
	return s.put(ctx, base+".cbor", "application/cbor", doc)
}

// MultiSink writes to every sink and joins their errors
type MultiSink []Sink

// Write implements Sink
func (m MultiSink) Write(ctx context.Context, snap *Snapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
