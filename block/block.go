// Package block manages exclusion of users from referral activity. A blocked
// user can neither create links nor claim them.
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/identity"
	"referralhub/models"
)

// Service owns the user block lifecycle.
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a block service backed by the provided database.
func NewService(db *gorm.DB, logger *slog.Logger, now func() time.Time) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("block: db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, logger: logger, now: now}, nil
}

// Block records an active block for the user. A second block while one is
// already active is rejected.
func (s *Service) Block(ctx context.Context, userID uuid.UUID, reason string, actor identity.User) (*models.UserBlock, error) {
	if !actor.Admin {
		return nil, models.Unauthorizedf("blocking users requires an administrator")
	}
	if userID == uuid.Nil {
		return nil, models.Validationf("user id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.Validationf("block reason is required")
	}

	var created models.UserBlock
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.UserBlock{}).Where("user_id = ? AND active", userID).Count(&count).Error; err != nil {
			return fmt.Errorf("block: count active blocks: %w", err)
		}
		if count > 0 {
			return models.Validationf("user %s is already blocked", userID)
		}
		created = models.UserBlock{
			ID:        uuid.New(),
			UserID:    userID,
			Active:    true,
			Reason:    reason,
			CreatedBy: actor.ID,
			CreatedAt: s.now(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("block: create block: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user blocked", slog.String("user_id", userID.String()), slog.String("actor", actor.ID.String()))
	return &created, nil
}

// Unblock clears the active block for the user and records the reason.
func (s *Service) Unblock(ctx context.Context, userID uuid.UUID, reason string, actor identity.User) error {
	if !actor.Admin {
		return models.Unauthorizedf("unblocking users requires an administrator")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.Validationf("unblock reason is required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active models.UserBlock
		if err := tx.Where("user_id = ? AND active", userID).First(&active).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NotFound("active block for user", userID.String())
			}
			return fmt.Errorf("block: load active block: %w", err)
		}
		now := s.now()
		active.Active = false
		active.UnblockReason = reason
		actorID := actor.ID
		active.UnblockedBy = &actorID
		active.UnblockedAt = &now
		if err := tx.Save(&active).Error; err != nil {
			return fmt.Errorf("block: save unblock: %w", err)
		}
		return nil
	})
}

// IsBlocked reports whether the user currently carries an active block. It is
// safe to call inside another service's transaction.
func IsBlocked(tx *gorm.DB, userID uuid.UUID) (bool, error) {
	var count int64
	if err := tx.Model(&models.UserBlock{}).Where("user_id = ? AND active", userID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("block: count active blocks: %w", err)
	}
	return count > 0, nil
}
