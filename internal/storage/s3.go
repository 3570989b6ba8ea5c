// Package storage implements the optional audio-archival adapter mentioned
// in the domain stack: when an S3 bucket is configured, every audio chunk a
// producer pushes is archived for replay/debugging.
// Additive infrastructure — no SPEC_FULL.md operation depends on it.
//
// Adapted from the teacher's internal/storage/s3.go (presigned-URL upload
// service): the same client/credentials construction, repurposed from
// workspace file uploads to session-keyed audio chunk archival.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/g0v/realtime-relay/internal/logging"
)

// Archive writes per-session audio chunks to S3, keyed by session id and
// the timestamp (Unix seconds) the caller passes to PutChunk.
type Archive struct {
	client     *s3.Client
	bucketName string
}

// NewArchive constructs an Archive. Returns (nil, nil) if bucket is empty —
// callers treat a nil Archive as "archival disabled", per the config flag
// this component sits behind.
func NewArchive(ctx context.Context, bucket, region, accessKeyID, secretAccessKey string) (*Archive, error) {
	if bucket == "" {
		return nil, nil
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("storage: S3_BUCKET set without AWS credentials")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	return &Archive{client: s3.NewFromConfig(cfg), bucketName: bucket}, nil
}

// PutChunk archives one audio chunk under
// sessions/{sid}/{startTime}.pcm.
func (a *Archive) PutChunk(ctx context.Context, sid string, startTime float64, reader io.Reader, size int64) error {
	key := fmt.Sprintf("sessions/%s/%.3f.pcm", sid, startTime)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucketName),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("audio/pcm"),
	})
	if err != nil {
		return fmt.Errorf("storage: put chunk: %w", err)
	}
	logging.Tag("storage").Sugar().Debugw("archived audio chunk", "session_id", sid, "key", key, "size", size)
	return nil
}

// DeleteSession removes every archived chunk for a session. S3 has no
// prefix-delete primitive in a single call; this lists and batches deletes.
func (a *Archive) DeleteSession(ctx context.Context, sid string) error {
	prefix := fmt.Sprintf("sessions/%s/", sid)

	var continuationToken *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucketName),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("storage: list session objects: %w", err)
		}
		for _, obj := range out.Contents {
			if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(a.bucketName),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("storage: delete object %s: %w", aws.ToString(obj.Key), err)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		continuationToken = out.NextContinuationToken
	}
}
