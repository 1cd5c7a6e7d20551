package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/urbanforestry/treesync/internal/errors"
	"github.com/urbanforestry/treesync/internal/logging"
	"github.com/urbanforestry/treesync/internal/media"
	"github.com/urbanforestry/treesync/internal/models"
	"github.com/urbanforestry/treesync/internal/notify"
	"github.com/urbanforestry/treesync/internal/queue"
	"github.com/urbanforestry/treesync/internal/remote"
	"github.com/urbanforestry/treesync/internal/store"
)

// CRM is the slice of the remote client the orchestrator replays
// operations against.
type CRM interface {
	CreateInspection(ctx context.Context, rec *models.InspectionRecord) (string, error)
	UpdateInspection(ctx context.Context, remoteID string, fields remote.UpdateFields) error
}

// BlobStore uploads image content ahead of a CRM write.
type BlobStore interface {
	Upload(ctx context.Context, fileName string, data []byte) (string, error)
}

// Status is the orchestrator's drain state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusDraining Status = "draining"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	StartTime time.Time
	EndTime   time.Time
	Processed int
	Synced    int
	Requeued  int
	Abandoned int
	Offline   bool
}

// Orchestrator drives the reconciliation loop: it drains the pending
// queue through the remote client, updates local records with remote
// identifiers on success and reschedules failures. Exactly one drain runs
// at a time; overlapping triggers are no-ops.
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Queue
	crm      CRM
	blob     BlobStore
	probe    ConnectivityProbe
	codec    *media.Codec
	notifier notify.Notifier

	drainInterval time.Duration
	probeInterval time.Duration

	draining  atomic.Bool
	lastDrain atomic.Int64

	stopOnce gosync.Once
	stopCh   chan struct{}
	wg       gosync.WaitGroup
}

// Options carries the orchestrator's trigger intervals.
type Options struct {
	DrainInterval time.Duration // periodic drain timer (default 5m)
	ProbeInterval time.Duration // connectivity poll (default 30s)
}

// NewOrchestrator wires the orchestrator. All collaborators are injected;
// none are ambient globals.
func NewOrchestrator(s *store.Store, q *queue.Queue, crm CRM, blob BlobStore, probe ConnectivityProbe, notifier notify.Notifier, opts Options) *Orchestrator {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 5 * time.Minute
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	return &Orchestrator{
		store:         s,
		queue:         q,
		crm:           crm,
		blob:          blob,
		probe:         probe,
		codec:         media.NewCodec(media.DefaultMaxWidth, media.DefaultQuality),
		notifier:      notifier,
		drainInterval: opts.DrainInterval,
		probeInterval: opts.ProbeInterval,
		stopCh:        make(chan struct{}),
	}
}

// Status returns the current drain state.
func (o *Orchestrator) Status() Status {
	if o.draining.Load() {
		return StatusDraining
	}
	return StatusIdle
}

// LastDrain returns when the last drain pass completed, or zero.
func (o *Orchestrator) LastDrain() time.Time {
	ms := o.lastDrain.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Drain runs one reconciliation pass and returns when it completes.
//
// If a drain is already in progress the call is a no-op. If the probe
// reports offline the pass exits immediately without touching the queue
// or the remote client. Entries are processed strictly sequentially in
// listing order; one bad entry never halts the pass.
func (o *Orchestrator) Drain(ctx context.Context) (*DrainResult, error) {
	if !o.draining.CompareAndSwap(false, true) {
		logging.Debug("Drain already in progress, skipping", nil)
		return nil, nil
	}
	defer func() {
		o.lastDrain.Store(time.Now().UnixMilli())
		o.draining.Store(false)
	}()

	result := &DrainResult{StartTime: time.Now()}
	defer func() { result.EndTime = time.Now() }()

	if !o.probe.IsOnline(ctx) {
		result.Offline = true
		logging.Debug("Offline, drain skipped", nil)
		return result, nil
	}

	entries, err := o.queue.ListReady(time.Now())
	if err != nil {
		return result, err
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		result.Processed++
		if err := o.process(ctx, entry); err != nil {
			o.handleFailure(entry, err, result)
			continue
		}

		if err := o.queue.Remove(entry.ID); err != nil {
			logging.Error("Failed to remove synced entry", err,
				map[string]interface{}{"entry_id": entry.ID})
			continue
		}
		result.Synced++
	}

	logging.Info("Drain pass completed",
		map[string]interface{}{
			"processed": result.Processed,
			"synced":    result.Synced,
			"requeued":  result.Requeued,
			"abandoned": result.Abandoned,
		})
	return result, nil
}

// process replays one queue entry against the remote system and records
// the acknowledgment locally.
//
// The entry's stored operation is advisory: the record's current state
// decides whether a remote create is still pending. A record that
// already holds a remote id is always updated, never created again,
// even when a create succeeded remotely but its local acknowledgment
// failed on the previous attempt.
func (o *Orchestrator) process(ctx context.Context, entry *models.PendingSyncEntry) error {
	snapshot, err := entry.RecordPayload()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "corrupt queue payload", err)
	}

	current, err := o.store.Get(entry.RecordID)
	if err != nil {
		return err
	}

	// Images first: embedded blobs become public URLs before the CRM
	// write references them. Filenames are regenerated on retry, so an
	// attempt that failed after uploading leaves orphan blobs behind;
	// the remote accumulates them until cleaned out of band.
	snapshotImages := snapshot.Images
	urls, err := o.uploadImages(ctx, snapshot)
	if err != nil {
		return err
	}

	remoteID := current.RemoteID
	if remoteID == "" {
		snapshot.Images = urls
		remoteID, err = o.crm.CreateInspection(ctx, snapshot)
		if err != nil {
			return err
		}
	} else {
		fields := remote.UpdateFields{
			Status:   &snapshot.Status,
			Images:   urls,
			Location: &snapshot.Location,
			Details:  &snapshot.Details,
		}
		if err := o.crm.UpdateInspection(ctx, remoteID, fields); err != nil {
			return err
		}
	}

	if err := o.acknowledge(entry.RecordID, remoteID, snapshotImages, urls); err != nil {
		return err
	}

	logging.Info("Synced record",
		map[string]interface{}{
			"record_id": entry.RecordID,
			"remote_id": remoteID,
			"operation": string(entry.Operation),
		})
	return nil
}

// acknowledge records the remote acknowledgment locally: the record gets
// its remote id and each synced blob is replaced with its uploaded URL.
// The record is re-read first so images appended since the snapshot was
// taken survive; those stay embedded until their own entry syncs.
func (o *Orchestrator) acknowledge(recordID, remoteID string, snapshotImages, urls []string) error {
	current, err := o.store.Get(recordID)
	if err != nil {
		return err
	}
	_, err = o.store.MarkSynced(recordID, remoteID, mergeUploaded(current.Images, snapshotImages, urls))
	return err
}

// mergeUploaded substitutes the uploaded URL for every image that was
// part of the synced snapshot, leaving any other entry untouched.
func mergeUploaded(currentImages, snapshotImages, urls []string) []string {
	uploaded := make(map[string]string, len(snapshotImages))
	for i, img := range snapshotImages {
		if i < len(urls) {
			uploaded[img] = urls[i]
		}
	}

	merged := make([]string, len(currentImages))
	for i, img := range currentImages {
		if url, ok := uploaded[img]; ok {
			merged[i] = url
		} else {
			merged[i] = img
		}
	}
	return merged
}

// uploadImages turns embedded image blobs into uploaded URLs, preserving
// order and keeping entries that are already URLs.
func (o *Orchestrator) uploadImages(ctx context.Context, rec *models.InspectionRecord) ([]string, error) {
	urls := make([]string, 0, len(rec.Images))
	for _, entry := range rec.Images {
		if media.IsRemoteURL(entry) {
			urls = append(urls, entry)
			continue
		}

		data, err := o.codec.Decode(entry)
		if err != nil {
			return nil, err
		}

		url, err := o.blob.Upload(ctx, remote.ImageFilename(rec.ID), data)
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// handleFailure routes one failed entry: requeue with backoff, or abandon
// after the retry budget is exhausted. Permanent 4xx rejections share the
// retry counter but are logged distinctly.
func (o *Orchestrator) handleFailure(entry *models.PendingSyncEntry, cause error, result *DrainResult) {
	if apperrors.Is(cause, apperrors.ErrPermanentRemote) {
		logging.Error("Permanent remote rejection, retrying anyway", cause,
			map[string]interface{}{"entry_id": entry.ID, "record_id": entry.RecordID})
	}

	abandoned, err := o.queue.RequeueWithFailure(entry, cause)
	if err != nil {
		logging.Error("Failed to requeue sync entry", err,
			map[string]interface{}{"entry_id": entry.ID})
		return
	}

	if !abandoned {
		result.Requeued++
		return
	}

	result.Abandoned++

	// The record stays synced=false with no further automatic attempts.
	// Surface the abandonment so a UI can show it.
	rec, getErr := o.store.Get(entry.RecordID)
	recipient := ""
	title := entry.RecordID
	if getErr == nil {
		recipient = rec.Inspector.Email
		title = rec.Title
	}
	notify.Dispatch(o.notifier, notify.Notification{
		Kind:           notify.KindSyncAbandoned,
		RecordID:       entry.RecordID,
		RecipientEmail: recipient,
		Subject:        fmt.Sprintf("Sync abandoned for %q", title),
		Body:           fmt.Sprintf("Gave up after %d attempts: %s", entry.RetryCount, entry.LastError),
	})
}

// Start launches the background triggers: an immediate startup drain, the
// periodic drain timer, and a connectivity watch that drains as soon as
// the network comes back.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(2)
	go o.drainLoop(ctx)
	go o.probeLoop(ctx)
	logging.Info("Sync orchestrator started",
		map[string]interface{}{
			"drain_interval": o.drainInterval.String(),
			"probe_interval": o.probeInterval.String(),
		})
}

// Stop shuts down the background triggers and waits for them to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
	logging.Info("Sync orchestrator stopped", nil)
}

// drainLoop runs the startup drain and the periodic timer.
func (o *Orchestrator) drainLoop(ctx context.Context) {
	defer o.wg.Done()

	if _, err := o.Drain(ctx); err != nil {
		logging.Error("Startup drain failed", err, nil)
	}

	ticker := time.NewTicker(o.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if _, err := o.Drain(ctx); err != nil {
				logging.Error("Periodic drain failed", err, nil)
			}
		}
	}
}

// probeLoop polls connectivity and triggers a drain on the offline to
// online transition.
func (o *Orchestrator) probeLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.probeInterval)
	defer ticker.Stop()

	wasOnline := o.probe.IsOnline(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			online := o.probe.IsOnline(ctx)
			if online && !wasOnline {
				logging.Info("Network regained, triggering drain", nil)
				if _, err := o.Drain(ctx); err != nil {
					logging.Error("Reconnect drain failed", err, nil)
				}
			}
			wasOnline = online
		}
	}
}
