// Package archive exports event log history past the retention horizon to
// S3-compatible object storage and prunes it from the hot store. Archived
// batches are JSON Lines objects, one event per line, keyed by export date.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/server/metrics"
	"github.com/mkorolev/listsync/internal/server/models"
	"github.com/mkorolev/listsync/internal/server/repositories/events"
)

const pageSize = 1000

// ObjectStore is the subset of the S3 API the archiver needs.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Settings holds connection settings for the S3-compatible backend.
type S3Settings struct {
	RootUser     string
	RootPassword string
	Bucket       string
	Region       string
	BaseEndpoint string
}

// NewObjectStore builds an S3 client against the configured backend.
func NewObjectStore(ctx context.Context, st S3Settings) (ObjectStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(st.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			st.RootUser,
			st.RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(st.BaseEndpoint)
		o.UsePathStyle = true
	}), nil
}

// Archiver moves expired events out of the log on a fixed interval.
type Archiver struct {
	repo      events.Repository
	store     ObjectStore
	bucket    string
	retention time.Duration
	interval  time.Duration
	logger    logging.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

func New(repo events.Repository, store ObjectStore, bucket string, retention, interval time.Duration, l logging.Logger, m *metrics.Metrics) *Archiver {
	return &Archiver{
		repo:      repo,
		store:     store,
		bucket:    bucket,
		retention: retention,
		interval:  interval,
		logger:    l.With("module", "archiver"),
		metrics:   m,
		now:       time.Now,
	}
}

// Run archives on every tick until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	t := time.NewTicker(a.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := a.ArchiveExpired(ctx); err != nil {
				a.logger.Error(ctx, "archive pass failed", "error", err)
			} else if n > 0 {
				a.logger.Info(ctx, "archived expired events", "count", n)
			}
		}
	}
}

// ArchiveExpired exports all events older than the retention horizon and
// deletes them from the log, paging until none remain. It returns the number
// of events archived. Deletion happens only after a successful upload, so a
// failed pass leaves the log intact and the next tick retries.
func (a *Archiver) ArchiveExpired(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention)

	var total int64
	for {
		page, err := a.repo.PageBefore(ctx, cutoff, pageSize)
		if err != nil {
			return total, fmt.Errorf("page expired events: %w", err)
		}
		if len(page) == 0 {
			return total, nil
		}

		key := a.objectKey(page)
		if err := a.upload(ctx, key, page); err != nil {
			return total, fmt.Errorf("upload batch %s: %w", key, err)
		}

		lastSeq := page[len(page)-1].Sequence
		n, err := a.repo.DeleteThrough(ctx, lastSeq, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune archived events: %w", err)
		}

		total += n
		if a.metrics != nil {
			a.metrics.EventsArchived.Add(float64(n))
		}
		if len(page) < pageSize {
			return total, nil
		}
	}
}

func (a *Archiver) objectKey(page []models.Event) string {
	d := a.now().UTC()
	return fmt.Sprintf("events/%d/%02d/%02d/%d-%d-%v.jsonl",
		d.Year(), d.Month(), d.Day(), page[0].Sequence, page[len(page)-1].Sequence, uuid.New())
}

func (a *Archiver) upload(ctx context.Context, key string, page []models.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range page {
		if err := enc.Encode(page[i].Wire()); err != nil {
			return err
		}
	}

	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	return err
}
