package cloud

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"asistoya/internal/store"
)

const healthTTL = time.Minute

// FirestoreConfig describes how to reach the project.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	StorageBucket   string
	// EmulatorHost, when set, points the client at a local emulator without authentication.
	EmulatorHost string
	Timeout      time.Duration
}

// Firestore is the Remote adapter backed by Cloud Firestore.
type Firestore struct {
	client  *firestore.Client
	gcs     *storage.Client
	bucket  *storage.BucketHandle
	timeout time.Duration
	logger  zerolog.Logger

	mu          sync.Mutex
	lastHealth  error
	lastChecked time.Time
	now         func() time.Time
}

// NewFirestore connects to the project. The storage bucket is optional; a
// failure to open it is logged and leaves HasStorage false.
func NewFirestore(ctx context.Context, cfg FirestoreConfig, logger zerolog.Logger) (*Firestore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore: project id required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	var opts []option.ClientOption
	switch {
	case cfg.EmulatorHost != "":
		// The client switches to an insecure, unauthenticated channel when this is set.
		if err := os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
			return nil, fmt.Errorf("firestore: emulator host: %w", err)
		}
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: new client: %w", err)
	}
	f := &Firestore{
		client:  client,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "firestore_adapter").Logger(),
		now:     time.Now,
	}

	if cfg.StorageBucket != "" && cfg.EmulatorHost == "" {
		gcs, err := storage.NewClient(ctx, opts...)
		if err != nil {
			f.logger.Warn().Err(err).Msg("storage client unavailable")
		} else {
			bucket := gcs.Bucket(cfg.StorageBucket)
			attrsCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			_, err := bucket.Attrs(attrsCtx)
			cancel()
			if err != nil {
				f.logger.Warn().Err(err).Str("bucket", cfg.StorageBucket).Msg("storage bucket not accessible")
				gcs.Close()
			} else {
				f.gcs, f.bucket = gcs, bucket
			}
		}
	}
	return f, nil
}

func (f *Firestore) Name() string { return "firestore" }

// HasStorage reports whether the configured storage bucket was reachable at startup.
func (f *Firestore) HasStorage() bool { return f.bucket != nil }

func (f *Firestore) Put(ctx context.Context, collection, id string, doc store.Document) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	_, err := f.client.Collection(RemoteCollection(collection)).Doc(id).Set(ctx, map[string]interface{}(doc))
	if err != nil {
		return classifyGRPC("put", err)
	}
	return nil
}

func (f *Firestore) Query(ctx context.Context, collection string, filters store.Filters) ([]store.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	q := f.client.Collection(RemoteCollection(collection)).Query
	fields := make([]string, 0, len(filters))
	for field := range filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		q = q.Where(field, "==", filters[field])
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, classifyGRPC("query", err)
	}
	docs := make([]store.Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, store.Document(snap.Data()))
	}
	return docs, nil
}

// Health writes and deletes a probe document. Results are cached briefly so
// frequent callers do not generate a write per call.
func (f *Firestore) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lastChecked.IsZero() && f.now().Sub(f.lastChecked) < healthTTL {
		return f.lastHealth
	}
	f.lastHealth = f.probe(ctx)
	f.lastChecked = f.now()
	return f.lastHealth
}

func (f *Firestore) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	ref := f.client.Collection(probeCollection).Doc(probeDocument)
	if _, err := ref.Set(ctx, map[string]interface{}{"timestamp": f.now().UTC(), "test": true}); err != nil {
		return classifyGRPC("probe", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return classifyGRPC("probe", err)
	}
	return nil
}

// Close releases the clients.
func (f *Firestore) Close() error {
	if f.gcs != nil {
		f.gcs.Close()
	}
	return f.client.Close()
}

func classifyGRPC(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient(op, err)
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
		codes.FailedPrecondition, codes.NotFound, codes.OutOfRange, codes.AlreadyExists,
		codes.Unimplemented:
		return permanent(op, err)
	default:
		return transient(op, err)
	}
}
