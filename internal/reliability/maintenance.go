package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/database"
	"github.com/aristath/quotehub/internal/events"
)

// Maintenance runs scheduled upkeep of the accounts store: WAL checkpoint,
// integrity check, and (when configured) a snapshot upload with rotation.
type Maintenance struct {
	db            *database.DB
	backup        *BackupService // nil when backups are disabled
	bus           *events.Bus
	schedule      string
	retentionDays int
	cron          *cron.Cron
	log           zerolog.Logger
}

// NewMaintenance creates the maintenance scheduler. backup may be nil.
func NewMaintenance(db *database.DB, backup *BackupService, bus *events.Bus, schedule string, retentionDays int, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		db:            db,
		backup:        backup,
		bus:           bus,
		schedule:      schedule,
		retentionDays: retentionDays,
		cron:          cron.New(),
		log:           log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers and starts the cron schedule.
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc(m.schedule, m.run); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	m.log.Info().Str("schedule", m.schedule).Bool("backup", m.backup != nil).Msg("Maintenance scheduled")
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// run is one maintenance pass. Steps are independent; a failed step is
// logged and the rest still run.
func (m *Maintenance) run() {
	started := time.Now()
	m.log.Info().Msg("Starting store maintenance")

	if err := m.db.WALCheckpoint(""); err != nil {
		m.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := m.db.QuickCheck(context.Background()); err != nil {
		m.log.Error().Err(err).Msg("Store integrity check failed")
		m.bus.Publish("maintenance", &events.SystemLogData{
			Level:   "error",
			Message: "accounts store integrity check failed",
			Source:  "maintenance",
			Metadata: map[string]interface{}{
				"error": err.Error(),
			},
		})
	}

	if m.backup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := m.backup.CreateAndUpload(ctx); err != nil {
			m.log.Error().Err(err).Msg("Store backup failed")
		} else if err := m.backup.RotateOldBackups(ctx, m.retentionDays); err != nil {
			m.log.Warn().Err(err).Msg("Backup rotation failed")
		}
	}

	m.log.Info().Dur("took", time.Since(started)).Msg("Store maintenance completed")
}
