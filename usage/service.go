// Package usage owns the referral link usage lifecycle: the referee claim, a
// referee's progress through the program's pathway, and the transition to
// Completed with reward fixing and cap enforcement. Expiration is driven by
// the background sweep, not by this service.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/block"
	"referralhub/identity"
	"referralhub/models"
)

var serializableTx = &sql.TxOptions{Isolation: sql.LevelSerializable}

// Config captures the dependencies required to construct a Service.
type Config struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Now    func() time.Time
}

// Service implements usage operations.
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a configured usage service.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, errors.New("usage: db is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{db: cfg.DB, logger: logger, now: nowFn}, nil
}

// ClaimAsReferee creates a Pending usage binding the acting referee to the
// link's program. Claiming is idempotent at the program scope: a second
// claim against the same program is rejected even through a different link.
func (s *Service) ClaimAsReferee(ctx context.Context, linkID uuid.UUID, actor identity.User) (*models.ReferralLinkUsage, error) {
	now := s.now()
	var created models.ReferralLinkUsage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link models.ReferralLink
		if err := tx.First(&link, "id = ?", linkID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NotFound("link", linkID.String())
			}
			return fmt.Errorf("usage: load link: %w", err)
		}
		if link.Status != models.LinkActive {
			return models.Validationf("link %q is no longer active", link.Name)
		}
		if link.UserID == actor.ID {
			return models.Validationf("a referrer cannot claim their own link")
		}

		var prog models.Program
		if err := tx.First(&prog, "id = ?", link.ProgramID).Error; err != nil {
			return fmt.Errorf("usage: load program: %w", err)
		}
		// An inactive program pauses new-link creation but keeps existing
		// links usable; expired and deleted programs accept no claims.
		if prog.Status != models.ProgramActive && prog.Status != models.ProgramInactive {
			return models.Validationf("program %q no longer accepts claims", prog.Name)
		}
		if prog.DateStart.After(now) {
			return models.Validationf("program %q has not started yet", prog.Name)
		}
		if prog.DateEnd != nil && prog.DateEnd.Before(now) {
			return models.Validationf("program %q has ended", prog.Name)
		}
		if prog.ProofOfPersonhoodRequired && !actor.PoPVerified {
			return models.Validationf("program %q requires proof of personhood", prog.Name)
		}

		blocked, err := block.IsBlocked(tx, actor.ID)
		if err != nil {
			return err
		}
		if blocked {
			return models.Unauthorizedf("user %s is blocked from referral activity", actor.ID)
		}

		var existing int64
		if err := tx.Model(&models.ReferralLinkUsage{}).
			Where("program_id = ? AND referee_id = ?", prog.ID, actor.ID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("usage: count existing claims: %w", err)
		}
		switch {
		case existing > 1:
			s.logger.Error("duplicate usages for referee and program",
				slog.String("program_id", prog.ID.String()),
				slog.String("referee_id", actor.ID.String()))
			return models.Inconsistentf("found %d usages for referee %s in program %s", existing, actor.ID, prog.ID)
		case existing == 1:
			return models.Validationf("program %q has already been claimed by this user", prog.Name)
		}

		created = models.ReferralLinkUsage{
			ID:                  uuid.New(),
			LinkID:              link.ID,
			ProgramID:           prog.ID,
			ReferrerID:          link.UserID,
			ReferrerDisplayName: link.UserDisplayName,
			RefereeID:           actor.ID,
			RefereeDisplayName:  actor.DisplayName,
			Status:              models.UsagePending,
			DateClaimed:         now,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if prog.CompletionWindowDays != nil {
			expires := now.AddDate(0, 0, *prog.CompletionWindowDays)
			created.DateExpires = &expires
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("usage: create claim: %w", err)
		}
		return nil
	}, serializableTx)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// RecordTaskCompletion marks one pathway task done for the usage and
// re-evaluates the pathway. When the tree is satisfied the usage completes
// inside the same transaction. Re-recording an already-done task is a no-op.
func (s *Service) RecordTaskCompletion(ctx context.Context, usageID, taskID uuid.UUID, actor identity.User) (*models.ReferralLinkUsage, error) {
	now := s.now()
	var result models.ReferralLinkUsage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := loadUsage(tx, usageID)
		if err != nil {
			return err
		}
		if u.RefereeID != actor.ID && !actor.Admin {
			return models.Unauthorizedf("user %s may not record progress on usage %s", actor.ID, u.ID)
		}
		if u.Status != models.UsagePending {
			return models.Validationf("usage is %s; progress can no longer be recorded", u.Status)
		}

		pathway, err := loadPathwayTree(tx, u.ProgramID)
		if err != nil {
			return err
		}
		if pathway == nil {
			return models.Validationf("program has no pathway; tasks cannot be recorded")
		}
		step, task := findTask(pathway, taskID)
		if task == nil {
			return models.Validationf("task id %s does not belong to the program pathway", taskID)
		}

		done, err := completedTaskSet(tx, u.ID)
		if err != nil {
			return err
		}
		if !done[task.ID] {
			if err := checkRecordingOrder(pathway, step, task, done); err != nil {
				return err
			}
			completion := models.UsageTaskCompletion{
				ID:          uuid.New(),
				UsageID:     u.ID,
				TaskID:      task.ID,
				CompletedAt: now,
			}
			if err := tx.Create(&completion).Error; err != nil {
				return fmt.Errorf("usage: record task completion: %w", err)
			}
			done[task.ID] = true
		}

		if pathwaySatisfied(pathway, done) {
			if err := s.complete(tx, u, now); err != nil {
				return err
			}
		}
		result = *u
		return nil
	}, serializableTx)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete transitions the usage directly, bypassing task recording. It is
// reserved for administrators and for programs whose pathway is optional and
// absent; with a pathway present the recorded completions must satisfy it.
func (s *Service) Complete(ctx context.Context, usageID uuid.UUID, actor identity.User) (*models.ReferralLinkUsage, error) {
	if !actor.Admin {
		return nil, models.Unauthorizedf("direct completion requires an administrator")
	}
	now := s.now()
	var result models.ReferralLinkUsage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := loadUsage(tx, usageID)
		if err != nil {
			return err
		}
		if u.Status != models.UsagePending {
			return models.Validationf("usage is %s and cannot be completed", u.Status)
		}
		pathway, err := loadPathwayTree(tx, u.ProgramID)
		if err != nil {
			return err
		}
		if pathway != nil {
			done, err := completedTaskSet(tx, u.ID)
			if err != nil {
				return err
			}
			if !pathwaySatisfied(pathway, done) {
				return models.Validationf("the program pathway has not been satisfied")
			}
		} else {
			var prog models.Program
			if err := tx.First(&prog, "id = ?", u.ProgramID).Error; err != nil {
				return fmt.Errorf("usage: load program: %w", err)
			}
			if prog.PathwayRequired {
				return models.Validationf("program requires a pathway; direct completion is not permitted")
			}
		}
		if err := s.complete(tx, u, now); err != nil {
			return err
		}
		result = *u
		return nil
	}, serializableTx)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// complete fixes reward amounts from the program's current configuration and
// increments the program totals under a guarded update. The caps and the
// pool are re-checked in the same statement; a lost race aborts the
// completion rather than overshooting.
func (s *Service) complete(tx *gorm.DB, u *models.ReferralLinkUsage, now time.Time) error {
	if !models.CanTransitionUsage(u.Status, models.UsageCompleted) {
		return models.Validationf("usage status %s cannot transition to %s", u.Status, models.UsageCompleted)
	}
	var prog models.Program
	if err := tx.First(&prog, "id = ?", u.ProgramID).Error; err != nil {
		return fmt.Errorf("usage: load program: %w", err)
	}
	if u.DateExpires != nil && u.DateExpires.Before(now) {
		return models.Validationf("the completion window has elapsed")
	}

	if prog.CompletionLimitReferee != nil {
		var byReferrer int64
		if err := tx.Model(&models.ReferralLinkUsage{}).
			Where("program_id = ? AND referrer_id = ? AND status = ?", prog.ID, u.ReferrerID, models.UsageCompleted).
			Count(&byReferrer).Error; err != nil {
			return fmt.Errorf("usage: count referrer completions: %w", err)
		}
		if int(byReferrer) >= *prog.CompletionLimitReferee {
			return models.Validationf("referrer has reached the completion limit for program %q", prog.Name)
		}
	}

	award := prog.ZltoRewardReferrer + prog.ZltoRewardReferee
	guarded := tx.Model(&models.Program{}).
		Where("id = ?", prog.ID).
		Where("completion_limit IS NULL OR completion_total < completion_limit").
		Where("zlto_reward_pool IS NULL OR zlto_reward_pool >= zlto_reward_cumulative + ?", award).
		Updates(map[string]any{
			"completion_total":       gorm.Expr("completion_total + 1"),
			"zlto_reward_cumulative": gorm.Expr("zlto_reward_cumulative + ?", award),
			"updated_at":             now,
		})
	if guarded.Error != nil {
		return fmt.Errorf("usage: increment program totals: %w", guarded.Error)
	}
	if guarded.RowsAffected == 0 {
		if prog.CompletionLimit != nil && prog.CompletionTotal >= *prog.CompletionLimit {
			return models.Validationf("program %q has reached its completion limit", prog.Name)
		}
		return models.Validationf("program %q has exhausted its reward pool", prog.Name)
	}

	completedAt := now
	u.Status = models.UsageCompleted
	u.DateCompleted = &completedAt
	u.ZltoRewardReferrer = prog.ZltoRewardReferrer
	u.ZltoRewardReferee = prog.ZltoRewardReferee
	u.UpdatedAt = now
	if err := tx.Save(u).Error; err != nil {
		return fmt.Errorf("usage: save completion: %w", err)
	}

	event := models.Event{
		ID:        uuid.New(),
		EntityID:  &u.ID,
		UserID:    u.RefereeID,
		Action:    "usage.completed",
		Details:   fmt.Sprintf("program=%s referrer_reward=%.2f referee_reward=%.2f", prog.ID, prog.ZltoRewardReferrer, prog.ZltoRewardReferee),
		CreatedAt: now,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("usage: record event: %w", err)
	}
	return nil
}

// GetByID returns the usage. A caller may view it only as its referee, its
// referrer, or an administrator.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID, actor identity.User) (*models.ReferralLinkUsage, error) {
	u, err := loadUsage(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if u.RefereeID != actor.ID && u.ReferrerID != actor.ID && !actor.Admin {
		return nil, models.Unauthorizedf("user %s may not view usage %s", actor.ID, u.ID)
	}
	return u, nil
}

// Filter narrows a usage search.
type Filter struct {
	ProgramID *uuid.UUID
	LinkID    *uuid.UUID
	Statuses  []models.UsageStatus
	Page      int
	PageSize  int
}

// SearchAsReferee lists the actor's usages as the claiming party.
func (s *Service) SearchAsReferee(ctx context.Context, filter Filter, actor identity.User) ([]models.ReferralLinkUsage, error) {
	return s.search(ctx, filter, "referee_id", actor.ID)
}

// SearchAsReferrer lists usages recorded against the actor's links.
func (s *Service) SearchAsReferrer(ctx context.Context, filter Filter, actor identity.User) ([]models.ReferralLinkUsage, error) {
	return s.search(ctx, filter, "referrer_id", actor.ID)
}

// Search lists usages without role scoping. Administrators only.
func (s *Service) Search(ctx context.Context, filter Filter, actor identity.User) ([]models.ReferralLinkUsage, error) {
	if !actor.Admin {
		return nil, models.Unauthorizedf("unscoped usage search requires an administrator")
	}
	return s.search(ctx, filter, "", uuid.Nil)
}

// search orders by claim date descending with an id tie-break for stable
// pagination.
func (s *Service) search(ctx context.Context, filter Filter, roleColumn string, roleID uuid.UUID) ([]models.ReferralLinkUsage, error) {
	query := s.db.WithContext(ctx).Model(&models.ReferralLinkUsage{})
	if roleColumn != "" {
		query = query.Where(roleColumn+" = ?", roleID)
	}
	if filter.ProgramID != nil {
		query = query.Where("program_id = ?", *filter.ProgramID)
	}
	if filter.LinkID != nil {
		query = query.Where("link_id = ?", *filter.LinkID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	query = query.Order("date_claimed DESC, id ASC")
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	var rows []models.ReferralLinkUsage
	if err := query.Offset((page - 1) * size).Limit(size).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("usage: search: %w", err)
	}
	return rows, nil
}

func loadUsage(tx *gorm.DB, id uuid.UUID) (*models.ReferralLinkUsage, error) {
	var u models.ReferralLinkUsage
	if err := tx.First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NotFound("usage", id.String())
		}
		return nil, fmt.Errorf("usage: load: %w", err)
	}
	return &u, nil
}

func completedTaskSet(tx *gorm.DB, usageID uuid.UUID) (map[uuid.UUID]bool, error) {
	var completions []models.UsageTaskCompletion
	if err := tx.Where("usage_id = ?", usageID).Find(&completions).Error; err != nil {
		return nil, fmt.Errorf("usage: load task completions: %w", err)
	}
	done := make(map[uuid.UUID]bool, len(completions))
	for _, c := range completions {
		done[c.TaskID] = true
	}
	return done, nil
}

func loadPathwayTree(tx *gorm.DB, programID uuid.UUID) (*models.Pathway, error) {
	var pathway models.Pathway
	err := tx.
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("order_display ASC") }).
		Preload("Steps.Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("order_display ASC") }).
		First(&pathway, "program_id = ?", programID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("usage: load pathway: %w", err)
	}
	return &pathway, nil
}
