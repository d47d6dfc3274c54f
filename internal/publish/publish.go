// Package publish hands completed record sets to the downstream
// transform/load stage by writing them to S3 and announcing them on SQS.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dataset-extractor/pkg/logging"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

// ErrNotFrozen is returned when a record set is published before handoff.
var ErrNotFrozen = errors.New("record set is not frozen")

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds the publish destination.
type Config struct {
	Bucket string
	Prefix string

	// QueueURL is optional; without it no notification is sent.
	QueueURL string

	Region string

	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint string

	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Publisher writes record sets as JSON Lines objects.
type S3Publisher struct {
	s3     S3API
	sqs    SQSAPI
	config Config
	logger zerolog.Logger
}

// New creates a publisher from the AWS default configuration chain.
func New(ctx context.Context, cfg Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("publish: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
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

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	var sqsClient SQSAPI
	if cfg.QueueURL != "" {
		sqsClient = sqs.NewFromConfig(awsCfg)
	}

	return NewS3Publisher(s3Client, sqsClient, cfg), nil
}

// NewS3Publisher creates a publisher over existing clients. sqsClient may
// be nil.
func NewS3Publisher(s3Client S3API, sqsClient SQSAPI, cfg Config) *S3Publisher {
	return &S3Publisher{
		s3:     s3Client,
		sqs:    sqsClient,
		config: cfg,
		logger: logging.NewLogger("publish"),
	}
}

// line is one JSON Lines entry.
type line struct {
	Provider      record.Provider `json:"provider"`
	DatasetID     string          `json:"dataset_id"`
	DOI           string          `json:"doi,omitempty"`
	ModifiedToken string          `json:"modified_token,omitempty"`
	SourceMD5     string          `json:"source_md5"`
	Source        json.RawMessage `json:"source"`
}

// Notification is the SQS message body announcing a published set.
type Notification struct {
	Bucket      string          `json:"bucket"`
	Key         string          `json:"key"`
	Provider    record.Provider `json:"provider"`
	RecordSetID int64           `json:"record_set_id"`
	JobID       string          `json:"job_id,omitempty"`
	Records     int             `json:"records"`
}

// Load implements etl.TransformerLoader.
func (p *S3Publisher) Load(ctx context.Context, set *record.RecordSet) error {
	if !set.Frozen() {
		return ErrNotFrozen
	}

	body, err := Encode(set)
	if err != nil {
		return err
	}

	key := p.ObjectKey(set)
	if _, err := p.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	jobID, _ := set.JobID()
	p.logger.Info().
		Str("bucket", p.config.Bucket).
		Str("key", key).
		Int64("record_set_id", set.ID).
		Int("records", set.Len()).
		Msg("Record set published")

	if p.sqs == nil || p.config.QueueURL == "" {
		return nil
	}

	msg, err := json.Marshal(Notification{
		Bucket:      p.config.Bucket,
		Key:         key,
		Provider:    set.Provider(),
		RecordSetID: set.ID,
		JobID:       jobID,
		Records:     set.Len(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if _, err := p.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.config.QueueURL),
		MessageBody: aws.String(string(msg)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"provider": {DataType: aws.String("String"), StringValue: aws.String(string(set.Provider()))},
		},
	}); err != nil {
		return fmt.Errorf("failed to send SQS notification: %w", err)
	}
	return nil
}

// ObjectKey returns prefix/provider/record-set-<id>.jsonl. Unsaved sets are
// keyed by job id.
func (p *S3Publisher) ObjectKey(set *record.RecordSet) string {
	name := "record-set-" + strconv.FormatInt(set.ID, 10)
	if set.ID == 0 {
		if jobID, ok := set.JobID(); ok {
			name = "job-" + jobID
		}
	}
	return path.Join(p.config.Prefix, string(set.Provider()), name+".jsonl")
}

// Encode renders the records of set as JSON Lines in set order.
func Encode(set *record.RecordSet) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range set.Records() {
		if err := enc.Encode(line{
			Provider:      rec.Provider,
			DatasetID:     rec.DatasetID,
			DOI:           rec.DOI,
			ModifiedToken: rec.ModifiedToken,
			SourceMD5:     rec.SourceMD5(),
			Source:        rec.Source(),
		}); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", rec.DatasetID, err)
		}
	}
	return buf.Bytes(), nil
}

// LogLoader only logs the handoff. It is used when no publish destination
// is configured.
type LogLoader struct {
	Logger zerolog.Logger
}

// Load implements etl.TransformerLoader.
func (l LogLoader) Load(_ context.Context, set *record.RecordSet) error {
	jobID, _ := set.JobID()
	l.Logger.Info().
		Int64("record_set_id", set.ID).
		Str("provider", string(set.Provider())).
		Str("job_id", jobID).
		Int("records", set.Len()).
		Msg("Record set ready for transform and load")
	return nil
}
