package audit

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cohortly/tms/pkg/observability"
)

// RetentionSweeper purges audit entries older than the retention window
// on a cron schedule. When archiving is enabled the expiring entries are
// exported to the archive store before deletion.
type RetentionSweeper struct {
	logger  *DBLogger
	archive ArchiveStore
	policy  RetentionPolicy
	opsLog  *observability.Logger
	cron    *cron.Cron
}

// NewRetentionSweeper wires a sweeper. archive may be nil when the
// policy does not require archiving.
func NewRetentionSweeper(logger *DBLogger, archive ArchiveStore, policy RetentionPolicy, opsLog *observability.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		logger:  logger,
		archive: archive,
		policy:  policy,
		opsLog:  opsLog,
		cron:    cron.New(),
	}
}

// Start schedules the sweep. The schedule uses standard cron syntax,
// e.g. "0 3 * * *" for 3am daily.
func (s *RetentionSweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one retention pass.
func (s *RetentionSweeper) Sweep(ctx context.Context) {
	if s.policy.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.policy.RetentionDays)

	if s.policy.ArchiveEnabled && s.archive != nil {
		if err := s.archiveExpiring(ctx, cutoff); err != nil {
			s.opsLog.WithError(err).Error("audit retention: archive failed, skipping purge")
			return
		}
	}

	deleted, err := s.logger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.opsLog.WithError(err).Error("audit retention: purge failed")
		return
	}
	if deleted > 0 {
		s.opsLog.WithFields(map[string]interface{}{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("audit retention: purged expired entries")
	}
}

func (s *RetentionSweeper) archiveExpiring(ctx context.Context, cutoff time.Time) error {
	const batchSize = 10000
	offset := 0

	for {
		events, err := s.logger.Search(ctx, SearchFilter{
			EndTime: &cutoff,
			Limit:   batchSize,
			Offset:  offset,
		})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		data, err := Export(events, ExportFormatNDJSON)
		if err != nil {
			return err
		}

		key := ArchiveKey(ExportFormatNDJSON, events[0].Timestamp)
		if err := s.archive.Put(ctx, key, data, ExportFormatNDJSON.ContentType()); err != nil {
			return err
		}

		if len(events) < batchSize {
			return nil
		}
		offset += batchSize
	}
}
