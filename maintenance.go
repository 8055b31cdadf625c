package maildepot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceReport summarizes one maintenance pass. Steps run best-effort;
// a failed step records its error and the pass continues.
type MaintenanceReport struct {
	Started time.Time
	Elapsed time.Duration

	OrphanedFilesRemoved int
	OrphanedBlobsRemoved int
	NotesBlobsRemoved    int64
	CacheEntriesPurged   int64
	SentItemsRemoved     int64
	FailedItemsRemoved   int64
	Vacuumed             bool

	Errors []error
}

// PerformMaintenance runs one full maintenance pass: orphan sweeps on
// attachment files and both blob ledgers, a render-cache version prune,
// outbox retention, and finally VACUUM and ANALYZE. Safe to call while
// other stores are in use; each step is its own transaction or statement.
func (e *Engine) PerformMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Started: time.Now()}
	fail := func(step string, err error) {
		report.Errors = append(report.Errors, fmt.Errorf("%s: %w", step, err))
		e.log.Warn("maintenance step failed", "step", step, "error", err)
	}

	n, err := e.attach.CleanupOrphanedFiles(ctx)
	if err != nil {
		fail("attachment files", err)
	}
	report.OrphanedFilesRemoved = n

	hashes, err := e.blobs.Orphaned(ctx)
	if err != nil {
		fail("blob scan", err)
	}
	for _, hash := range hashes {
		deleted, err := e.blobs.DeleteMetadata(ctx, hash)
		if err != nil {
			fail("blob delete", err)
			continue
		}
		if deleted {
			report.OrphanedBlobsRemoved++
		}
	}

	nb, err := e.notes.DeleteOrphanedBlobs(ctx)
	if err != nil {
		fail("notes blobs", err)
	}
	report.NotesBlobsRemoved = nb

	purged, err := e.mail.InvalidateRenderCache(ctx, GeneratorVersion)
	if err != nil {
		fail("render cache", err)
	}
	report.CacheEntriesPurged = purged

	if days := e.cfg.SentRetentionDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		removed, err := e.outbox.RemoveSentItems(ctx, cutoff)
		if err != nil {
			fail("sent retention", err)
		}
		report.SentItemsRemoved = removed
	}
	if days := e.cfg.FailedRetentionDays; days > 0 {
		removed, err := e.outbox.RemoveFailedItems(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			fail("failed retention", err)
		}
		report.FailedItemsRemoved = removed
	}

	// VACUUM cannot run inside a transaction, so it goes through the raw
	// connection rather than a store.
	if _, err := e.conn.Execute(ctx, "VACUUM"); err != nil {
		fail("vacuum", err)
	} else {
		report.Vacuumed = true
	}
	if _, err := e.conn.Execute(ctx, "ANALYZE"); err != nil {
		fail("analyze", err)
	}

	report.Elapsed = time.Since(report.Started)
	e.reg.Inc("maintenance.runs")
	e.log.Info("maintenance pass complete",
		"elapsed", report.Elapsed,
		"orphaned_files", report.OrphanedFilesRemoved,
		"orphaned_blobs", report.OrphanedBlobsRemoved,
		"cache_purged", report.CacheEntriesPurged,
		"errors", len(report.Errors))
	return report, nil
}

// maintenanceRunner drives scheduled maintenance passes through cron.
type maintenanceRunner struct {
	engine *Engine

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	wg      sync.WaitGroup
}

func newMaintenanceRunner(e *Engine) *maintenanceRunner {
	return &maintenanceRunner{engine: e}
}

// StartMaintenance schedules recurring maintenance passes with a standard
// five-field cron expression. Overlapping passes are skipped, not queued.
func (e *Engine) StartMaintenance(cronExpr string) error {
	return e.maint.start(cronExpr)
}

// StopMaintenance cancels the schedule and waits for an in-flight pass.
func (e *Engine) StopMaintenance() {
	e.maint.stop()
}

func (m *maintenanceRunner) start(cronExpr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("maintenance already scheduled")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	_, err := c.AddFunc(cronExpr, m.run)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", cronExpr, err)
	}
	c.Start()
	m.cron = c
	m.engine.log.Info("maintenance scheduled", "schedule", cronExpr)
	return nil
}

func (m *maintenanceRunner) run() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.engine.log.Warn("maintenance pass still running, skipping")
		return
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.wg.Done()
	}()

	if _, err := m.engine.PerformMaintenance(context.Background()); err != nil {
		m.engine.log.Error("scheduled maintenance failed", "error", err)
	}
}

func (m *maintenanceRunner) stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	m.wg.Wait()
}
