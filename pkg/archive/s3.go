// Package archive uploads completed task results to S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/freqops/freqops/pkg/task"
)

// Config configures the archiver.
//
// Credentials follow the AWS SDK v2 default chain unless explicit keys are
// set. For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("archive: bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("archive: access key id and secret must be provided together")
	}
	return nil
}

// objectPutter is the slice of the S3 client the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes one JSON object per completed task.
type Archiver struct {
	client objectPutter
	bucket string
	prefix string
	log    *zap.Logger
}

// New builds the S3 client and the archiver.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, log: log}, nil
}

func (a *Archiver) logger() *zap.Logger {
	if a.log == nil {
		return zap.NewNop()
	}
	return a.log
}

// Key returns the object key for a task id.
func (a *Archiver) Key(taskID string) string {
	return path.Join(a.prefix, taskID+".json")
}

// Store uploads one result document.
func (a *Archiver) Store(ctx context.Context, taskID string, result []byte) (string, error) {
	key := a.Key(taskID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(result),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

// OnTerminal plugs into the dispatcher's terminal hook. Only completed
// tasks with a result are archived; upload failures are logged, never
// surfaced into the task lifecycle.
func (a *Archiver) OnTerminal(t task.Task) {
	if t.Status != task.StatusCompleted || len(t.Result) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key, err := a.Store(ctx, t.ID, t.Result)
	if err != nil {
		a.logger().Error("archive result", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	a.logger().Info("result archived", zap.String("task_id", t.ID), zap.String("key", key))
}
