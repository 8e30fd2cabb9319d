// Package attendance is the entry point used by the recognition and reporting
// layers. Every write lands on local disk first and is queued for the cloud.
package attendance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"asistoya/internal/cloud"
	"asistoya/internal/metrics"
	"asistoya/internal/queue"
	"asistoya/internal/reconciler"
	"asistoya/internal/store"
)

var (
	// ErrInvalidInput is returned when a record or profile fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateRecord is returned when a record id is reused with different content.
	ErrDuplicateRecord = errors.New("record id already used with different content")
)

// Options describe the environment the service reports through Status.
type Options struct {
	ProjectID      string
	HasStorage     bool
	DeveloperMode  bool
	RequestTimeout time.Duration
}

// Service coordinates local persistence, queueing and best-effort publishing.
type Service struct {
	local      *store.Local
	queue      *queue.Queue
	adapter    cloud.Adapter
	reconciler *reconciler.Reconciler
	notifier   queue.Notifier
	validate   *validator.Validate
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService wires the facade. notifier may be nil.
func NewService(local *store.Local, q *queue.Queue, adapter cloud.Adapter, r *reconciler.Reconciler, notifier queue.Notifier, opts Options, logger zerolog.Logger) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	return &Service{
		local:      local,
		queue:      q,
		adapter:    adapter,
		reconciler: r,
		notifier:   notifier,
		validate:   validator.New(),
		opts:       opts,
		logger:     logger.With().Str("component", "attendance_service").Logger(),
		now:        time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SaveAttendance records a detection of student. The call succeeds once the
// record is on local disk, whatever the state of the cloud backend.
func (s *Service) SaveAttendance(ctx context.Context, student Fields, det Detection) (AttendanceRecord, error) {
	fields := Normalize(student)

	ts := det.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	method := MethodFaceRecognition
	if det.Manual {
		method = MethodManual
	}
	rec := AttendanceRecord{
		StudentID:       fields.String("student_id"),
		StudentName:     fields.String("name"),
		Timestamp:       ts,
		Date:            ts.Format("2006-01-02"),
		Time:            ts.Format("15:04:05"),
		Status:          StatusPresent,
		Method:          method,
		Classroom:       fields.String("classroom"),
		Grade:           fields.String("grade"),
		Confidence:      det.Confidence,
		DetectionMethod: det.Method,
	}
	rec.RecordID = RecordID(rec.StudentID, ts)
	if err := s.validate.Struct(rec); err != nil {
		return AttendanceRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	doc, err := store.ToDocument(rec)
	if err != nil {
		return AttendanceRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	prev, err := s.checkDuplicate(rec.RecordID, doc)
	if err != nil {
		return AttendanceRecord{}, inputErr(err)
	}

	if err := s.local.Put(store.CollectionAttendance, rec.RecordID, doc); err != nil {
		return AttendanceRecord{}, inputErr(err)
	}
	entry, err := s.queue.Enqueue(store.CollectionAttendance, rec.RecordID, doc)
	if err != nil {
		s.undo(store.CollectionAttendance, rec.RecordID, prev, nil)
		return AttendanceRecord{}, err
	}
	if err := s.local.AppendAttendance(rec.RecordID, doc); err != nil {
		s.undo(store.CollectionAttendance, rec.RecordID, prev, &entry)
		return AttendanceRecord{}, err
	}
	s.persisted(ctx, entry)
	s.logger.Info().Str("record_id", rec.RecordID).Str("student_id", rec.StudentID).Msg("attendance saved")
	return rec, nil
}

// checkDuplicate rejects a reused record id unless the content is identical.
// It returns the stored record, nil when there is none.
func (s *Service) checkDuplicate(recordID string, doc store.Document) (store.Document, error) {
	existing, err := s.previous(store.CollectionAttendance, recordID)
	if err != nil || existing == nil {
		return nil, err
	}
	a, err := store.Marshal(existing)
	if err != nil {
		return nil, err
	}
	b, err := store.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(a, b) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRecord, recordID)
	}
	return existing, nil
}

// previous loads the stored document for id, nil when there is none.
func (s *Service) previous(collection, id string) (store.Document, error) {
	var doc store.Document
	err := s.local.Get(collection, id, &doc)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// undo puts a record file and its queue entry back the way they were before a
// write that failed part way. prev is the earlier document, nil if there was
// none; entry is the queue entry the write created, if any.
func (s *Service) undo(collection, id string, prev store.Document, entry *queue.Entry) {
	var err error
	if prev == nil {
		if entry != nil {
			_, qerr := s.queue.Remove(*entry)
			err = qerr
		}
		err = errors.Join(err, s.local.Delete(collection, id))
	} else {
		err = s.local.Put(collection, id, prev)
		if entry != nil {
			_, qerr := s.queue.Enqueue(collection, id, prev)
			err = errors.Join(err, qerr)
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("collection", collection).Str("id", id).Msg("rollback after failed write incomplete")
	}
}

// inputErr reports unusable ids as invalid input and passes other errors through.
func inputErr(err error) error {
	if errors.Is(err, store.ErrInvalidID) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

// RegisterStudent creates or wholesale replaces a student profile.
func (s *Service) RegisterStudent(ctx context.Context, profile Fields) (StudentProfile, error) {
	fields := Normalize(profile)

	p := StudentProfile{
		StudentID:             fields.String("student_id"),
		Name:                  fields.String("name"),
		Email:                 fields.String("email"),
		Phone:                 fields.String("phone"),
		Grade:                 fields.String("grade"),
		Classroom:             fields.String("classroom"),
		Status:                fields.String("status"),
		CreatedAt:             s.now().UTC(),
		FaceEncodingAvailable: fields.Bool("face_encoding_available"),
		RegistrationMethod:    fields.String("registration_method"),
	}
	if p.Status == "" {
		p.Status = StudentActive
	}
	if p.RegistrationMethod == "" {
		p.RegistrationMethod = MethodManual
	}
	if err := s.validate.Struct(p); err != nil {
		return StudentProfile{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	doc, err := store.ToDocument(p)
	if err != nil {
		return StudentProfile{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	prev, err := s.previous(store.CollectionStudents, p.StudentID)
	if err != nil {
		return StudentProfile{}, inputErr(err)
	}
	if err := s.local.Put(store.CollectionStudents, p.StudentID, doc); err != nil {
		return StudentProfile{}, inputErr(err)
	}
	entry, err := s.queue.Enqueue(store.CollectionStudents, p.StudentID, doc)
	if err != nil {
		s.undo(store.CollectionStudents, p.StudentID, prev, nil)
		return StudentProfile{}, err
	}
	if err := s.local.PutStudentAggregate(p.StudentID, doc); err != nil {
		s.undo(store.CollectionStudents, p.StudentID, prev, &entry)
		return StudentProfile{}, err
	}
	s.persisted(ctx, entry)
	s.logger.Info().Str("student_id", p.StudentID).Msg("student registered")
	return p, nil
}

// persisted runs once a write is durable and queued: count it, try an
// immediate publish and nudge the reconciler.
func (s *Service) persisted(ctx context.Context, entry queue.Entry) {
	collection, id, doc := entry.Collection, entry.RecordID, entry.Payload
	metrics.RecordsSaved().WithLabelValues(collection).Inc()

	// The outcome does not change the entry; the reconciler confirms the write.
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	if err := s.adapter.Put(callCtx, collection, id, doc); err != nil {
		s.logger.Debug().Err(err).Str("entry", entry.Key()).Msg("immediate publish failed, left to reconciler")
	}
	cancel()

	if s.notifier != nil {
		msg := queue.Message{Type: queue.MessageEnqueued, Body: []byte(entry.Key())}
		if err := s.notifier.Publish(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Msg("reconciler nudge failed")
		}
	}
}

// QueryAttendance returns records matching every filter. Cloud results are
// used when the backend is healthy and has at least one match; otherwise the
// local copy answers. Filters on unknown fields match nothing.
func (s *Service) QueryAttendance(ctx context.Context, filters store.Filters) ([]AttendanceRecord, error) {
	for field := range filters {
		if _, ok := attendanceFields[field]; !ok {
			return []AttendanceRecord{}, nil
		}
	}

	docs, source := s.queryCloud(ctx, filters), "cloud"
	if len(docs) == 0 {
		var err error
		docs, err = s.local.Scan(store.CollectionAttendance, filters)
		if err != nil {
			return nil, err
		}
		source = "local"
	}

	out := make([]AttendanceRecord, 0, len(docs))
	for _, doc := range docs {
		var rec AttendanceRecord
		if err := store.FromDocument(doc, &rec); err != nil {
			s.logger.Warn().Err(err).Str("source", source).Msg("skipping undecodable attendance document")
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

func (s *Service) queryCloud(ctx context.Context, filters store.Filters) []store.Document {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	if err := s.adapter.Health(callCtx); err != nil {
		return nil
	}
	docs, err := s.adapter.Query(callCtx, store.CollectionAttendance, filters)
	if err != nil {
		s.logger.Debug().Err(err).Msg("cloud query failed, using local store")
		return nil
	}
	return docs
}

// ForceSync runs one reconciler pass and returns how many entries it synced.
func (s *Service) ForceSync(ctx context.Context) (int, error) {
	res, err := s.reconciler.RunOnce(ctx)
	if err != nil {
		return 0, err
	}
	return res.Synced, nil
}

// GetStudent loads a profile from the local store.
func (s *Service) GetStudent(_ context.Context, id string) (StudentProfile, error) {
	var p StudentProfile
	if err := s.local.Get(store.CollectionStudents, id, &p); err != nil {
		return StudentProfile{}, err
	}
	return p, nil
}

// Status describes the backend connection and the local queue.
type Status struct {
	FirebaseAvailable bool   `json:"firebase_available"`
	LocalMode         bool   `json:"local_mode"`
	ProjectID         string `json:"project_id"`
	HasFirestore      bool   `json:"has_firestore"`
	HasStorage        bool   `json:"has_storage"`
	LocalDataDir      string `json:"local_data_dir"`
	Backend           string `json:"backend"`
	DeveloperMode     bool   `json:"developer_mode"`
	PendingEntries    int    `json:"pending_entries"`
	ParkedEntries     int    `json:"parked_entries"`
	SyncedEntries     int    `json:"synced_entries"`
}

// Status reports the current backend and queue state.
func (s *Service) Status(ctx context.Context) Status {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	available := s.adapter.Health(callCtx) == nil

	st := Status{
		FirebaseAvailable: available,
		LocalMode:         !available,
		ProjectID:         s.opts.ProjectID,
		HasFirestore:      available && s.adapter.Name() == cloud.BackendFirestore,
		HasStorage:        available && s.opts.HasStorage,
		LocalDataDir:      s.local.Root(),
		Backend:           s.adapter.Name(),
		DeveloperMode:     s.opts.DeveloperMode,
	}
	stats, err := s.queue.Stats()
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue stats unavailable")
		return st
	}
	st.PendingEntries = stats.Pending
	st.ParkedEntries = stats.Parked
	st.SyncedEntries = stats.Synced
	return st
}
