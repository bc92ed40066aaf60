/*
Package archive copies committed context snapshots to an S3-compatible
bucket. It observes the store and never slows a mutation down: events are
queued without blocking and written by a background worker.
*/
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/store"
)

type Config struct {
	Enabled   bool
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
	QueueSize int
	Retry     errors.RetryConfig
}

func DefaultConfig() Config {
	return Config{
		Endpoint:  "localhost:9000",
		Bucket:    "ctxsync",
		QueueSize: 256,
		Retry:     *errors.DefaultRetryConfig(),
	}
}

/*
ObjectStore is the part of *minio.Client the archive needs.
*/
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(
		ctx context.Context,
		bucketName, objectName string,
		reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
}

/*
NewConn opens a minio client for the configured endpoint.
*/
func NewConn(cfg Config) (*minio.Client, error) {
	conn, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})

	if err != nil {
		return nil, errors.ErrValidation.Wrap(err).WithMessagef("archive endpoint %s", cfg.Endpoint)
	}

	return conn, nil
}

/*
Record is what lands in the bucket for every archived event.
*/
type Record struct {
	Kind      store.EventKind `json:"kind"`
	ProjectID string          `json:"projectId"`
	Version   int64           `json:"version"`
	Hash      string          `json:"hash"`
	Origin    string          `json:"origin,omitempty"`
	Snapshot  *store.Snapshot `json:"snapshot,omitempty"`
}

/*
Key names the object for a record. Versions are zero padded so a bucket
listing of one project comes back in commit order.
*/
func (record Record) Key() string {
	if record.Kind == store.EventUpdated {
		return fmt.Sprintf("%s/%020d.json", record.ProjectID, record.Version)
	}

	return fmt.Sprintf("%s/%020d-%s.json", record.ProjectID, record.Version, record.Kind)
}

type Stats struct {
	Archived int64 `json:"archived"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

type Archiver struct {
	cfg      Config
	conn     ObjectStore
	queue    chan Record
	archived atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

func NewArchiver(cfg Config, conn ObjectStore) *Archiver {
	return &Archiver{
		cfg:   cfg,
		conn:  conn,
		queue: make(chan Record, max(cfg.QueueSize, 1)),
	}
}

/*
EnsureBucket creates the bucket when it does not exist yet.
*/
func (archiver *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := archiver.conn.BucketExists(ctx, archiver.cfg.Bucket)

	if err != nil {
		return errors.ErrConnectionDropped.Wrap(err).WithMessagef("checking bucket %s", archiver.cfg.Bucket)
	}

	if exists {
		return nil
	}

	if err := archiver.conn.MakeBucket(ctx, archiver.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.ErrInternal.Wrap(err).WithMessagef("creating bucket %s", archiver.cfg.Bucket)
	}

	log.Info("archive bucket created", "bucket", archiver.cfg.Bucket)

	return nil
}

/*
Observe queues the event for archiving. It runs under the project's lock, so
a full queue drops the event instead of waiting.
*/
func (archiver *Archiver) Observe(ev store.Event) {
	if ev.Kind == store.EventSnapshot {
		return
	}

	record := Record{
		Kind:      ev.Kind,
		ProjectID: ev.ProjectID,
		Version:   ev.Version,
		Hash:      ev.Hash,
		Origin:    ev.Origin,
	}

	if ev.Kind == store.EventUpdated {
		record.Snapshot = ev.Snapshot
	}

	select {
	case archiver.queue <- record:
	default:
		archiver.dropped.Add(1)
		log.Warn("archive queue full, dropping record", "project", ev.ProjectID, "version", ev.Version)
	}
}

/*
Run writes queued records until ctx is done, then flushes what is already
queued with a fresh context so a shutdown does not lose them.
*/
func (archiver *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case record := <-archiver.queue:
			archiver.write(ctx, record)
		case <-ctx.Done():
			archiver.flush()
			return nil
		}
	}
}

func (archiver *Archiver) flush() {
	for {
		select {
		case record := <-archiver.queue:
			archiver.write(context.Background(), record)
		default:
			return
		}
	}
}

func (archiver *Archiver) write(ctx context.Context, record Record) {
	buf, err := json.Marshal(record)

	if err != nil {
		archiver.failed.Add(1)
		log.Error("failed to marshal archive record", "project", record.ProjectID, "error", err)
		return
	}

	err = errors.RetryWithBackoff(ctx, &archiver.cfg.Retry, func(attempt int) error {
		_, putErr := archiver.conn.PutObject(
			ctx, archiver.cfg.Bucket, record.Key(),
			bytes.NewReader(buf), int64(len(buf)),
			minio.PutObjectOptions{ContentType: "application/json"},
		)

		return putErr
	})

	if err != nil {
		archiver.failed.Add(1)
		log.Error("failed to archive context", "project", record.ProjectID, "version", record.Version, "error", err)
		return
	}

	archiver.archived.Add(1)
}

func (archiver *Archiver) Stats() Stats {
	return Stats{
		Archived: archiver.archived.Load(),
		Dropped:  archiver.dropped.Load(),
		Failed:   archiver.failed.Load(),
	}
}
