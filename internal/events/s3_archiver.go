package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relaydeploy/relay/internal/models"
)

// Archiver persists a terminal run and its full event log for audit.
type Archiver interface {
	ArchiveRun(ctx context.Context, run models.PipelineRun, events []models.RunEvent) error
}

// S3Archiver writes terminal runs to object storage at paths like:
//
//	s3://<bucket>/<prefix>/runs/YYYY/MM/DD/<runID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

type runArchive struct {
	Run    models.PipelineRun `json:"run"`
	Events []models.RunEvent  `json:"events"`
}

func (a *S3Archiver) ArchiveRun(ctx context.Context, run models.PipelineRun, events []models.RunEvent) error {
	body, err := json.Marshal(runArchive{Run: run, Events: events})
	if err != nil {
		return fmt.Errorf("marshal run archive: %w", err)
	}

	ts := time.Now().UTC()
	if run.FinishedAt != nil {
		ts = *run.FinishedAt
	}
	year, month, day := ts.Date()
	objectKey := path.Join(a.prefix, "runs",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", run.ID),
	)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
