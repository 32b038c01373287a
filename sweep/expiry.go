package sweep

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/models"
)

var serializableTx = &sql.TxOptions{Isolation: sql.LevelSerializable}

// LinkMaintenance cancels every active link under a program inside the
// caller's transaction. Satisfied by link.Service.
type LinkMaintenance interface {
	CancelByProgramID(tx *gorm.DB, programID uuid.UUID, now time.Time) (int64, error)
}

const (
	// LockProgramExpiry names the distributed lock serialising program
	// expiration across instances.
	LockProgramExpiry = "program_process_expiration"
	// LockUsageExpiry names the lock for the usage expiration sweep.
	LockUsageExpiry = "link_usage_process_expiration"

	defaultBatchSize = 500
)

// NewProgramExpiry builds the sweep that expires programs whose end date has
// passed and cancels their links. Each batch runs in its own serializable
// transaction so a crash mid-sweep leaves every processed program fully
// transitioned and every unprocessed one untouched.
func NewProgramExpiry(db *gorm.DB, links LinkMaintenance, cfg RunnerConfig, batchSize int) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("sweep: database handle is required")
	}
	if links == nil {
		return nil, fmt.Errorf("sweep: link maintenance is required")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	cfg.Name = LockProgramExpiry
	cfg.Batch = func(ctx context.Context, now time.Time) (int, error) {
		return expireProgramBatch(ctx, db, links, now, batchSize)
	}
	return NewRunner(cfg)
}

func expireProgramBatch(ctx context.Context, db *gorm.DB, links LinkMaintenance, now time.Time, batchSize int) (int, error) {
	processed := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var programs []models.Program
		if err := tx.
			Where("status IN ?", []models.ProgramStatus{models.ProgramActive, models.ProgramInactive}).
			Where("date_end IS NOT NULL AND date_end < ?", now).
			Order("date_end ASC").
			Limit(batchSize).
			Find(&programs).Error; err != nil {
			return fmt.Errorf("sweep: list expirable programs: %w", err)
		}
		for i := range programs {
			prog := &programs[i]
			if !models.CanTransitionProgram(prog.Status, models.ProgramExpired) {
				return models.Inconsistentf("program %s cannot move from %s to %s", prog.ID, prog.Status, models.ProgramExpired)
			}
			prog.Status = models.ProgramExpired
			if err := tx.Model(&models.Program{}).
				Where("id = ?", prog.ID).
				Update("status", models.ProgramExpired).Error; err != nil {
				return fmt.Errorf("sweep: expire program %s: %w", prog.ID, err)
			}
			if _, err := links.CancelByProgramID(tx, prog.ID, now); err != nil {
				return fmt.Errorf("sweep: cancel links for program %s: %w", prog.ID, err)
			}
			event := models.Event{
				ID:        uuid.New(),
				EntityID:  &prog.ID,
				Action:    "program.expired",
				CreatedAt: now,
			}
			if err := tx.Create(&event).Error; err != nil {
				return fmt.Errorf("sweep: record program expiry event: %w", err)
			}
		}
		processed = len(programs)
		return nil
	}, serializableTx)
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// NewUsageExpiry builds the sweep that expires pending usages whose
// completion window has closed.
func NewUsageExpiry(db *gorm.DB, cfg RunnerConfig, batchSize int) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("sweep: database handle is required")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	cfg.Name = LockUsageExpiry
	cfg.Batch = func(ctx context.Context, now time.Time) (int, error) {
		return expireUsageBatch(ctx, db, now, batchSize)
	}
	return NewRunner(cfg)
}

func expireUsageBatch(ctx context.Context, db *gorm.DB, now time.Time, batchSize int) (int, error) {
	processed := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var usages []models.ReferralLinkUsage
		if err := tx.
			Where("status = ?", models.UsagePending).
			Where("date_expires IS NOT NULL AND date_expires < ?", now).
			Order("date_expires ASC").
			Limit(batchSize).
			Find(&usages).Error; err != nil {
			return fmt.Errorf("sweep: list expirable usages: %w", err)
		}
		for i := range usages {
			u := &usages[i]
			if !models.CanTransitionUsage(u.Status, models.UsageExpired) {
				return models.Inconsistentf("usage %s cannot move from %s to %s", u.ID, u.Status, models.UsageExpired)
			}
			if err := tx.Model(&models.ReferralLinkUsage{}).
				Where("id = ?", u.ID).
				Updates(map[string]any{
					"status":       models.UsageExpired,
					"date_expired": now,
				}).Error; err != nil {
				return fmt.Errorf("sweep: expire usage %s: %w", u.ID, err)
			}
		}
		processed = len(usages)
		return nil
	}, serializableTx)
	if err != nil {
		return 0, err
	}
	return processed, nil
}
