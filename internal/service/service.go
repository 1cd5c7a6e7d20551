// Package service exposes the function-level API the UI layers call.
//
// It owns wiring and lifecycle: one durable database handle, the record
// store, the pending queue and the sync orchestrator, all explicitly
// constructed and injected rather than reached through globals.
package service

import (
	"context"
	gosync "sync"
	"time"

	"github.com/urbanforestry/treesync/internal/config"
	"github.com/urbanforestry/treesync/internal/db"
	apperrors "github.com/urbanforestry/treesync/internal/errors"
	"github.com/urbanforestry/treesync/internal/logging"
	"github.com/urbanforestry/treesync/internal/media"
	"github.com/urbanforestry/treesync/internal/models"
	"github.com/urbanforestry/treesync/internal/notify"
	"github.com/urbanforestry/treesync/internal/queue"
	"github.com/urbanforestry/treesync/internal/remote"
	"github.com/urbanforestry/treesync/internal/store"
	syncpkg "github.com/urbanforestry/treesync/internal/sync"
)

// Overrides lets tests swap the remote collaborators for doubles.
// Zero values mean "use the real client built from config".
type Overrides struct {
	CRM      syncpkg.CRM
	Blob     syncpkg.BlobStore
	Probe    syncpkg.ConnectivityProbe
	Notifier notify.Notifier
}

// Service is the inspection-management core behind the UI.
type Service struct {
	cfg       *config.Config
	overrides Overrides

	initOnce gosync.Once
	initErr  error

	database     *db.DB
	store        *store.Store
	queue        *queue.Queue
	orchestrator *syncpkg.Orchestrator
}

// New creates an uninitialized Service. Init opens the durable store.
func New(cfg *config.Config, overrides Overrides) *Service {
	return &Service{cfg: cfg, overrides: overrides}
}

// Init opens the database, creates the schema exactly once and wires the
// store, queue and orchestrator. Idempotent: repeated calls return the
// same handle state, and every other operation calls it transitively.
func (s *Service) Init() error {
	s.initOnce.Do(func() {
		s.initErr = s.init()
	})
	return s.initErr
}

func (s *Service) init() error {
	database, err := db.Open(s.cfg.DataDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}
	if err := db.Migrate(database.DB); err != nil {
		database.Close()
		return apperrors.Wrap(apperrors.ErrMigration, "failed to migrate schema", err)
	}
	s.database = database

	notifier := s.overrides.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}

	codec := media.NewCodec(media.DefaultMaxWidth, media.DefaultQuality)
	s.store = store.New(database.DB, codec, notifier)
	s.queue = queue.New(database.DB, queue.Policy{
		MaxRetries:  s.cfg.Sync.MaxRetries,
		BackoffBase: s.cfg.Sync.BackoffBase,
		BackoffCap:  s.cfg.Sync.BackoffCap,
	})

	crm := s.overrides.CRM
	if crm == nil {
		tokens := remote.NewTokenSource(s.cfg.Dynamics, nil)
		crm = remote.NewDynamicsClient(s.cfg.Dynamics, tokens, s.cfg.Sync.HTTPTimeout)
	}
	blob := s.overrides.Blob
	if blob == nil {
		blob = remote.NewBlobClient(s.cfg.Blob, s.cfg.Sync.HTTPTimeout)
	}
	probe := s.overrides.Probe
	if probe == nil {
		probe = syncpkg.NewHTTPProbe(s.cfg.Sync.ProbeURL, s.cfg.Sync.HTTPTimeout)
	}

	s.orchestrator = syncpkg.NewOrchestrator(s.store, s.queue, crm, blob, probe, notifier, syncpkg.Options{
		DrainInterval: s.cfg.Sync.DrainInterval,
		ProbeInterval: s.cfg.Sync.ProbeInterval,
	})
	return nil
}

// Close releases the database handle. The orchestrator must be stopped
// first if Start was called.
func (s *Service) Close() error {
	if s.store != nil {
		s.store.Close()
	}
	if s.database != nil {
		return s.database.Close()
	}
	return nil
}

// Start launches the orchestrator's background triggers.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Init(); err != nil {
		return err
	}
	s.orchestrator.Start(ctx)
	return nil
}

// Stop shuts down the background triggers.
func (s *Service) Stop() {
	if s.orchestrator != nil {
		s.orchestrator.Stop()
	}
}

// Save persists a record plus raw images locally and queues it for remote
// reconciliation. The write itself never touches the network; a drain is
// kicked off in the background so an online client converges quickly.
func (s *Service) Save(ctx context.Context, rec *models.InspectionRecord, rawImages [][]byte) (*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}

	saved, err := s.store.Save(rec, rawImages)
	if err != nil {
		return nil, err
	}

	op := models.OpCreate
	if saved.RemoteID != "" {
		op = models.OpUpdate
	}
	if _, err := s.queue.Enqueue(saved, op); err != nil {
		return nil, err
	}

	s.drainInBackground(ctx)

	return saved, nil
}

// drainInBackground kicks off an asynchronous drain pass. Failures are
// logged here since no caller is left to receive them; the queue keeps
// the entries either way.
func (s *Service) drainInBackground(ctx context.Context) {
	go func() {
		if _, err := s.orchestrator.Drain(context.WithoutCancel(ctx)); err != nil {
			logging.Error("Background drain failed", err, nil)
		}
	}()
}

// Get returns the record with the given id.
func (s *Service) Get(id string) (*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s.store.Get(id)
}

// GetAll returns every record in storage order.
func (s *Service) GetAll() ([]*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s.store.GetAll()
}

// ListByStatus returns records filtered through the by-status index.
func (s *Service) ListByStatus(status models.Status) ([]*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s.store.ListByStatus(status)
}

// ListByDateRange returns records scheduled within [from, to].
func (s *Service) ListByDateRange(from, to time.Time) ([]*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s.store.ListByDateRange(from, to)
}

// UpdateStatus merges a status change, then queues a remote update so the
// system of record converges.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.Status) (*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}

	rec, err := s.store.UpdateStatus(id, status)
	if err != nil {
		return nil, err
	}

	rec, err = s.store.MarkUnsynced(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(rec, models.OpUpdate); err != nil {
		return nil, err
	}

	s.drainInBackground(ctx)

	return rec, nil
}

// AddAdminComment appends an admin comment. Comments live locally; the
// CRM schema has no comment field, so no remote operation is queued.
func (s *Service) AddAdminComment(id, text string, admin models.Inspector) (*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s.store.AddAdminComment(id, text, admin)
}

// UpdatePriority sets an admin priority. Priority is admin-side local
// state, like comments.
func (s *Service) UpdatePriority(id string, priority models.Priority, admin models.Inspector) (*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s.store.UpdatePriority(id, priority, admin)
}

// AddNote appends a free-form inspector note.
func (s *Service) AddNote(id, text string) (*models.InspectionRecord, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s.store.AddNote(id, text)
}

// SyncPending triggers one orchestrator drain and returns when the pass
// completes.
func (s *Service) SyncPending(ctx context.Context) error {
	if err := s.Init(); err != nil {
		return err
	}
	_, err := s.orchestrator.Drain(ctx)
	return err
}

// PendingCount reports how many queue entries are awaiting sync.
func (s *Service) PendingCount() (int, error) {
	if err := s.Init(); err != nil {
		return 0, err
	}
	return s.queue.Size()
}
