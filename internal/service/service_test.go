package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	gosync "sync"
	"testing"
	"time"

	"github.com/urbanforestry/treesync/internal/config"
	"github.com/urbanforestry/treesync/internal/media"
	"github.com/urbanforestry/treesync/internal/models"
	"github.com/urbanforestry/treesync/internal/notify"
	"github.com/urbanforestry/treesync/internal/remote"
	syncpkg "github.com/urbanforestry/treesync/internal/sync"
)

type fakeCRM struct {
	mu      gosync.Mutex
	creates int
	updates int
	nextID  int
}

func (f *fakeCRM) CreateInspection(ctx context.Context, rec *models.InspectionRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.nextID++
	return fmt.Sprintf("CRM-%03d", f.nextID), nil
}

func (f *fakeCRM) UpdateInspection(ctx context.Context, remoteID string, fields remote.UpdateFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func (f *fakeCRM) counts() (creates, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.updates
}

type fakeBlob struct{}

func (fakeBlob) Upload(ctx context.Context, fileName string, data []byte) (string, error) {
	return "https://blob.example.com/" + fileName, nil
}

type captureNotifier struct {
	mu   gosync.Mutex
	sent []notify.Notification
}

func (c *captureNotifier) Send(n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) byKind(kind notify.Kind) []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Notification
	for _, n := range c.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func testConfig(dataDir string) *config.Config {
	return &config.Config{
		DataDir: dataDir,
		Sync: config.SyncConfig{
			MaxRetries:  5,
			BackoffBase: time.Nanosecond,
			BackoffCap:  time.Nanosecond,
			HTTPTimeout: time.Second,
		},
	}
}

func newTestService(t *testing.T, online bool) (*Service, *fakeCRM, *syncpkg.StaticProbe) {
	t.Helper()

	crm := &fakeCRM{}
	probe := syncpkg.NewStaticProbe(online)
	svc := New(testConfig(t.TempDir()), Overrides{
		CRM:   crm,
		Blob:  fakeBlob{},
		Probe: probe,
	})
	if err := svc.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, crm, probe
}

func makeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 32, 32)), nil); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

// waitFor polls until the condition holds. Save kicks off a background
// drain that can overlap an explicit SyncPending, so convergence
// assertions poll rather than assume a particular drain did the work.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Service) queueEmpty(t *testing.T) func() bool {
	return func() bool {
		n, err := s.PendingCount()
		if err != nil {
			t.Fatalf("PendingCount failed: %v", err)
		}
		return n == 0
	}
}

// TestInitIdempotent tests repeated initialization.
func TestInitIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, true)
	for i := 0; i < 3; i++ {
		if err := svc.Init(); err != nil {
			t.Fatalf("Init call %d failed: %v", i, err)
		}
	}
}

// TestOfflineFieldVisit walks through an inspector's day without
// connectivity: record a new inspection with photos, change its status,
// then sync everything once the network returns.
func TestOfflineFieldVisit(t *testing.T) {
	svc, crm, probe := newTestService(t, false)
	ctx := context.Background()

	saved, err := svc.Save(ctx, &models.InspectionRecord{
		Title:  "Dead tree removal",
		Status: models.StatusPending,
		Location: models.Location{
			Address:   "2327 Wallace Ave",
			Latitude:  40.7128,
			Longitude: -73.8675,
		},
		Inspector: models.Inspector{ID: "insp-1", Name: "Field Inspector", Email: "inspector@example.com"},
	}, [][]byte{makeJPEG(t), makeJPEG(t)})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if saved.Synced {
		t.Error("Offline save must not be synced")
	}
	if len(saved.Images) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(saved.Images))
	}

	// Work continues offline: the tree comes down, the status follows.
	// The status change replaces the save's pending entry with a fresh
	// snapshot, so one entry covers both.
	if _, err := svc.UpdateStatus(ctx, saved.ID, models.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	pending, err := svc.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("Expected 1 coalesced pending operation, got %d", pending)
	}
	if creates, updates := crm.counts(); creates != 0 || updates != 0 {
		t.Errorf("Expected no CRM traffic offline, got %d/%d", creates, updates)
	}

	// Back in coverage.
	probe.SetOnline(true)
	if err := svc.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	waitFor(t, "queue drain", svc.queueEmpty(t))

	if creates, updates := crm.counts(); creates != 1 || updates != 0 {
		t.Errorf("Expected a single create, got %d creates/%d updates", creates, updates)
	}

	final, err := svc.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !final.Synced {
		t.Error("Expected synced record after drain")
	}
	if final.RemoteID != "CRM-001" {
		t.Errorf("Expected remote id CRM-001, got %q", final.RemoteID)
	}
	if final.Status != models.StatusCompleted {
		t.Errorf("Expected Completed status, got %s", final.Status)
	}
	for _, img := range final.Images {
		if !media.IsRemoteURL(img) {
			t.Errorf("Expected uploaded image URL, got embedded blob")
		}
	}
}

// TestRepeatedOfflineSavesCreateOnce tests that saving the same record
// twice before it ever reaches the remote system yields exactly one
// remote create, with every image URL written back and no abandonment.
func TestRepeatedOfflineSavesCreateOnce(t *testing.T) {
	crm := &fakeCRM{}
	probe := syncpkg.NewStaticProbe(false)
	notifier := &captureNotifier{}
	svc := New(testConfig(t.TempDir()), Overrides{
		CRM:      crm,
		Blob:     fakeBlob{},
		Probe:    probe,
		Notifier: notifier,
	})
	if err := svc.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()

	saved, err := svc.Save(ctx, &models.InspectionRecord{
		Title:     "Dead tree removal",
		Status:    models.StatusPending,
		Inspector: models.Inspector{ID: "insp-1", Email: "inspector@example.com"},
	}, [][]byte{makeJPEG(t)})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A second visit before the first ever synced: another photo, more
	// detail.
	saved.Details = "trunk split confirmed"
	resaved, err := svc.Save(ctx, saved, [][]byte{makeJPEG(t)})
	if err != nil {
		t.Fatalf("Re-save failed: %v", err)
	}
	if len(resaved.Images) != 2 {
		t.Fatalf("Expected 2 images after re-save, got %d", len(resaved.Images))
	}

	pending, err := svc.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("Expected 1 coalesced pending operation, got %d", pending)
	}

	probe.SetOnline(true)
	// Several passes, as a long-running client would issue.
	for i := 0; i < 3; i++ {
		if err := svc.SyncPending(ctx); err != nil {
			t.Fatalf("SyncPending failed: %v", err)
		}
	}
	waitFor(t, "queue drain", svc.queueEmpty(t))

	if creates, updates := crm.counts(); creates != 1 || updates != 0 {
		t.Errorf("Expected exactly 1 create, got %d creates/%d updates", creates, updates)
	}

	final, err := svc.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !final.Synced || final.RemoteID != "CRM-001" {
		t.Errorf("Expected synced record with CRM-001, got synced=%v remote=%q", final.Synced, final.RemoteID)
	}
	if len(final.Images) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(final.Images))
	}
	for _, img := range final.Images {
		if !media.IsRemoteURL(img) {
			t.Error("Expected every image uploaded and substituted")
		}
	}
	if abandoned := notifier.byKind(notify.KindSyncAbandoned); len(abandoned) != 0 {
		t.Errorf("Expected no abandonment, got %d notifications", len(abandoned))
	}
}

// TestSaveTriggersBackgroundDrain tests that an online save converges
// without an explicit sync call.
func TestSaveTriggersBackgroundDrain(t *testing.T) {
	svc, _, _ := newTestService(t, true)

	saved, err := svc.Save(context.Background(), &models.InspectionRecord{Title: "t", Status: models.StatusPending}, nil)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	waitFor(t, "background sync", func() bool {
		rec, err := svc.Get(saved.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		return rec.Synced
	})
}

// TestAdminOperationsStayLocal tests that comments, priority and notes
// never enqueue remote work.
func TestAdminOperationsStayLocal(t *testing.T) {
	svc, crm, probe := newTestService(t, false)

	saved, err := svc.Save(context.Background(), &models.InspectionRecord{Title: "t", Status: models.StatusPending}, nil)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	admin := models.Inspector{ID: "admin-1", Name: "Admin User"}
	if _, err := svc.AddAdminComment(saved.ID, "check the roots", admin); err != nil {
		t.Fatalf("AddAdminComment failed: %v", err)
	}
	if _, err := svc.UpdatePriority(saved.ID, models.PriorityHigh, admin); err != nil {
		t.Fatalf("UpdatePriority failed: %v", err)
	}
	if _, err := svc.AddNote(saved.ID, "gate code 4431"); err != nil {
		t.Fatalf("AddNote failed: %v", err)
	}

	// Only the original save is pending.
	pending, err := svc.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("Expected 1 pending operation, got %d", pending)
	}

	probe.SetOnline(true)
	if err := svc.SyncPending(context.Background()); err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	waitFor(t, "queue drain", svc.queueEmpty(t))

	if _, updates := crm.counts(); updates != 0 {
		t.Errorf("Admin operations must not reach the CRM, got %d updates", updates)
	}

	rec, err := svc.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rec.AdminComments) != 1 || rec.Priority != models.PriorityHigh || len(rec.Notes) != 1 {
		t.Error("Expected local admin state to survive the sync")
	}
}

// TestListOperations tests the query surface through the service.
func TestListOperations(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()

	a, err := svc.Save(ctx, &models.InspectionRecord{
		Title:         "a",
		Status:        models.StatusPending,
		ScheduledDate: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC).UnixMilli(),
	}, nil)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := svc.Save(ctx, &models.InspectionRecord{
		Title:         "b",
		Status:        models.StatusPending,
		ScheduledDate: time.Date(2024, 4, 5, 9, 0, 0, 0, time.UTC).UnixMilli(),
	}, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	all, err := svc.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 records, got %d", len(all))
	}

	if _, err := svc.UpdateStatus(ctx, a.ID, models.StatusInProgress); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	inProgress, err := svc.ListByStatus(models.StatusInProgress)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != a.ID {
		t.Errorf("Unexpected by-status result: %d records", len(inProgress))
	}

	march, err := svc.ListByDateRange(
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("ListByDateRange failed: %v", err)
	}
	if len(march) != 1 {
		t.Errorf("Expected 1 March record, got %d", len(march))
	}
}

// TestResaveSyncedRecordQueuesUpdate tests that saving a record that
// already has a remote id queues an update, not a second create.
func TestResaveSyncedRecordQueuesUpdate(t *testing.T) {
	svc, crm, _ := newTestService(t, true)
	ctx := context.Background()

	saved, err := svc.Save(ctx, &models.InspectionRecord{Title: "t", Status: models.StatusPending}, nil)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := svc.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	waitFor(t, "first sync", func() bool {
		rec, err := svc.Get(saved.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		return rec.RemoteID != ""
	})

	synced, err := svc.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	synced.Details = "amended after first visit"
	if _, err := svc.Save(ctx, synced, nil); err != nil {
		t.Fatalf("Re-save failed: %v", err)
	}
	if err := svc.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	waitFor(t, "second sync", svc.queueEmpty(t))

	creates, updates := crm.counts()
	if creates != 1 {
		t.Errorf("Expected exactly 1 create, got %d", creates)
	}
	if updates != 1 {
		t.Errorf("Expected 1 update for the re-save, got %d", updates)
	}
}
