// Package review runs the weekly memory hygiene pass: archive cold records,
// flag stale ones, and report per user.
package review

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"aibox-memory/internal/logging"
	"aibox-memory/internal/storage"
	"aibox-memory/pkg/types"
)

// Defaults for the hygiene thresholds.
const (
	DefaultSchedule           = "@weekly"
	DefaultArchiveAfterDays   = 90
	DefaultMaxAccessThreshold = 3
	DefaultStaleCheckDays     = 180
)

// Config tunes the review pass.
type Config struct {
	Schedule           string
	ArchiveAfterDays   int
	MaxAccessThreshold int64
	StaleCheckDays     int
}

// Job archives low-hotness memories and flags stale ones per user.
type Job struct {
	store  storage.VectorMemoryStore
	cfg    Config
	logger logging.Logger
	cron   *cron.Cron

	now func() time.Time
}

// NewJob creates a review job over the long-term store
func NewJob(store storage.VectorMemoryStore, cfg Config, logger logging.Logger) *Job {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.ArchiveAfterDays <= 0 {
		cfg.ArchiveAfterDays = DefaultArchiveAfterDays
	}
	if cfg.MaxAccessThreshold <= 0 {
		cfg.MaxAccessThreshold = DefaultMaxAccessThreshold
	}
	if cfg.StaleCheckDays <= 0 {
		cfg.StaleCheckDays = DefaultStaleCheckDays
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Job{
		store:  store,
		cfg:    cfg,
		logger: logger.WithComponent("memory_review"),
		now:    time.Now,
	}
}

// Start schedules the job on its cron expression
func (j *Job) Start(ctx context.Context) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("review run failed", "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("invalid review schedule %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	j.logger.Info("review job scheduled", "schedule", j.cfg.Schedule)
	return nil
}

// Stop halts the scheduler, waiting for a running pass to finish
func (j *Job) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// RunOnce reviews every known user and returns the per-user reports
func (j *Job) RunOnce(ctx context.Context) ([]*types.MemoryReviewReport, error) {
	userIDs, err := j.store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users for review: %w", err)
	}

	reports := make([]*types.MemoryReviewReport, 0, len(userIDs))
	totalArchived, totalReview := 0, 0
	for _, userID := range userIDs {
		report := j.reviewUser(ctx, userID)
		reports = append(reports, report)
		totalArchived += report.ArchivedCount
		totalReview += report.ReviewCount
	}

	j.logger.Info("review pass finished",
		"users", len(userIDs), "archived", totalArchived, "flagged", totalReview)
	return reports, nil
}

// reviewUser runs both hygiene steps for one user
func (j *Job) reviewUser(ctx context.Context, userID string) *types.MemoryReviewReport {
	report := &types.MemoryReviewReport{
		UserID:      userID,
		GeneratedAt: j.now().UTC(),
		Stats:       map[string]int64{},
	}

	// Step 1: archive records that are both old and cold.
	cold, err := j.store.FindLowHotness(ctx, userID, j.cfg.MaxAccessThreshold, j.cfg.ArchiveAfterDays)
	if err != nil {
		j.logger.Warn("low-hotness query failed", "user_id", userID, "error", err.Error())
	}
	report.LowHotnessCount = len(cold)
	archived := make(map[string]bool, len(cold))
	for _, m := range cold {
		if err := j.store.Archive(ctx, m.ID); err != nil {
			j.logger.Warn("archive failed", "memory_id", m.ID, "error", err.Error())
			continue
		}
		archived[m.ID] = true
		report.ArchivedCount++
	}

	// Step 2: flag old records that still see some access.
	old, err := j.store.FindLowHotness(ctx, userID, math.MaxInt64, j.cfg.StaleCheckDays)
	if err != nil {
		j.logger.Warn("stale query failed", "user_id", userID, "error", err.Error())
	}
	for _, m := range old {
		if archived[m.ID] || m.AccessCount == 0 {
			continue
		}
		report.PotentiallyStale++
		if err := j.store.MarkForReview(ctx, m.ID); err != nil {
			j.logger.Warn("mark for review failed", "memory_id", m.ID, "error", err.Error())
			continue
		}
		report.ReviewCount++
		report.Suggestions = append(report.Suggestions, fmt.Sprintf(
			"memory %s is older than %d days but was accessed %d times, verify it is still correct",
			m.ID, j.cfg.StaleCheckDays, m.AccessCount))
	}

	report.Stats["low_hotness"] = int64(report.LowHotnessCount)
	report.Stats["potentially_stale"] = int64(report.PotentiallyStale)
	report.Stats["archived"] = int64(report.ArchivedCount)
	report.Stats["flagged_for_review"] = int64(report.ReviewCount)
	return report
}
