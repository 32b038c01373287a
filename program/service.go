// Package program owns the referral program lifecycle: CRUD, status
// transitions, the single-default invariant, reward pool and cap validation,
// and pathway reconciliation.
package program

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/catalog"
	"referralhub/identity"
	"referralhub/models"
)

// LinkMaintenance is the cascading cancellation hook into the link service.
// Deleting or expiring a program cancels its active links inside the same
// transaction as the program transition.
type LinkMaintenance interface {
	CancelByProgramID(tx *gorm.DB, programID uuid.UUID, now time.Time) (int64, error)
}

// serializableTx guards the invariant-critical read-modify-write paths:
// default promotion, cap and pool checks, status transitions.
var serializableTx = &sql.TxOptions{Isolation: sql.LevelSerializable}

// Config captures the dependencies required to construct a Service.
type Config struct {
	DB      *gorm.DB
	Catalog catalog.Catalog
	Links   LinkMaintenance
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service implements program operations.
type Service struct {
	db      *gorm.DB
	catalog catalog.Catalog
	links   LinkMaintenance
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds a configured program service.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, errors.New("program: db is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("program: catalog is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{db: cfg.DB, catalog: cfg.Catalog, links: cfg.Links, logger: logger, now: nowFn}, nil
}

// CreateRequest carries a new program definition.
type CreateRequest struct {
	Name        string
	Description string
	DateStart   time.Time
	DateEnd     *time.Time
	IsDefault   bool

	CompletionWindowDays   *int
	CompletionLimitReferee *int
	CompletionLimit        *int

	ZltoRewardReferrer float64
	ZltoRewardReferee  float64
	ZltoRewardPool     *float64

	ProofOfPersonhoodRequired bool
	PathwayRequired           bool
	MultipleLinksAllowed      bool

	Pathway *PathwayRequest
}

// UpdateRequest carries a full replacement of a program's mutable fields. A
// nil Pathway leaves the persisted pathway untouched; a non-nil one is
// reconciled against it.
type UpdateRequest struct {
	ID uuid.UUID
	CreateRequest
}

// Create validates and persists a new program, optionally promoting it to
// default and materialising its pathway, all in one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor identity.User) (*models.Program, error) {
	if !actor.Admin {
		return nil, models.Unauthorizedf("creating programs requires an administrator")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, models.Validationf("program name is required")
	}
	now := s.now()
	start := startOfDay(req.DateStart)
	if start.Before(startOfDay(now)) {
		return nil, models.Validationf("program start date must not be in the past")
	}
	end, err := clampEnd(start, req.DateEnd)
	if err != nil {
		return nil, err
	}
	if err := validateEconomics(req, 0, 0, 0); err != nil {
		return nil, err
	}
	if req.Pathway != nil {
		if err := s.validatePathwayRequest(ctx, req.Pathway); err != nil {
			return nil, err
		}
	}

	prog := models.Program{
		ID:                        uuid.New(),
		Name:                      name,
		Description:               strings.TrimSpace(req.Description),
		DateStart:                 start,
		DateEnd:                   end,
		CompletionWindowDays:      req.CompletionWindowDays,
		CompletionLimitReferee:    req.CompletionLimitReferee,
		CompletionLimit:           req.CompletionLimit,
		ZltoRewardReferrer:        req.ZltoRewardReferrer,
		ZltoRewardReferee:         req.ZltoRewardReferee,
		ZltoRewardPool:            req.ZltoRewardPool,
		ProofOfPersonhoodRequired: req.ProofOfPersonhoodRequired,
		PathwayRequired:           req.PathwayRequired,
		MultipleLinksAllowed:      req.MultipleLinksAllowed,
		Status:                    models.ProgramActive,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureNameAvailable(tx, name, uuid.Nil); err != nil {
			return err
		}
		if err := tx.Create(&prog).Error; err != nil {
			return fmt.Errorf("program: create: %w", err)
		}
		if req.IsDefault {
			if err := s.promoteDefault(tx, &prog, actor, now); err != nil {
				return err
			}
		}
		if req.Pathway != nil {
			pathway, err := s.reconcilePathway(tx, &prog, req.Pathway, now)
			if err != nil {
				return err
			}
			prog.Pathway = pathway
		}
		return s.recordEvent(tx, prog.ID, actor.ID, "program.created", "name="+name, now)
	}, serializableTx)
	if err != nil {
		return nil, err
	}
	return &prog, nil
}

// Update applies a full field update and reconciles the pathway inside one
// transaction. Status is left untouched except for the automatic transition
// to Expired when the new end date is already in the past.
func (s *Service) Update(ctx context.Context, req UpdateRequest, actor identity.User) (*models.Program, error) {
	if !actor.Admin {
		return nil, models.Unauthorizedf("updating programs requires an administrator")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, models.Validationf("program name is required")
	}
	if req.Pathway != nil {
		if err := s.validatePathwayRequest(ctx, req.Pathway); err != nil {
			return nil, err
		}
	}
	now := s.now()

	var updated models.Program
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prog, err := loadProgram(tx, req.ID)
		if err != nil {
			return err
		}
		if prog.Status == models.ProgramDeleted {
			return models.Validationf("program %s is deleted and can no longer be updated", prog.ID)
		}
		if err := ensureNameAvailable(tx, name, prog.ID); err != nil {
			return err
		}
		refTotal, err := maxCompletionsPerReferrer(tx, prog.ID)
		if err != nil {
			return err
		}
		if err := validateEconomics(req.CreateRequest, prog.CompletionTotal, refTotal, prog.ZltoRewardCumulative); err != nil {
			return err
		}

		start := startOfDay(req.DateStart)
		end, err := clampEnd(start, req.DateEnd)
		if err != nil {
			return err
		}

		prog.Name = name
		prog.Description = strings.TrimSpace(req.Description)
		prog.DateStart = start
		prog.DateEnd = end
		prog.CompletionWindowDays = req.CompletionWindowDays
		prog.CompletionLimitReferee = req.CompletionLimitReferee
		prog.CompletionLimit = req.CompletionLimit
		prog.ZltoRewardReferrer = req.ZltoRewardReferrer
		prog.ZltoRewardReferee = req.ZltoRewardReferee
		prog.ZltoRewardPool = req.ZltoRewardPool
		prog.ProofOfPersonhoodRequired = req.ProofOfPersonhoodRequired
		prog.PathwayRequired = req.PathwayRequired
		prog.MultipleLinksAllowed = req.MultipleLinksAllowed
		prog.UpdatedAt = now

		if end != nil && end.Before(now) && prog.Status != models.ProgramExpired {
			prog.Status = models.ProgramExpired
			if s.links != nil {
				if _, err := s.links.CancelByProgramID(tx, prog.ID, now); err != nil {
					return err
				}
			}
			if err := s.recordEvent(tx, prog.ID, actor.ID, "program.expired", "end date set in the past", now); err != nil {
				return err
			}
		}
		if err := tx.Save(prog).Error; err != nil {
			return fmt.Errorf("program: save update: %w", err)
		}

		if req.IsDefault && !prog.IsDefault {
			if err := s.promoteDefault(tx, prog, actor, now); err != nil {
				return err
			}
		}
		if req.Pathway != nil {
			pathway, err := s.reconcilePathway(tx, prog, req.Pathway, now)
			if err != nil {
				return err
			}
			prog.Pathway = pathway
		}
		updated = *prog
		return nil
	}, serializableTx)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateStatus performs an explicit status transition, consulting the
// transition table and cascading link cancellation on deletion.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, target models.ProgramStatus, actor identity.User) (*models.Program, error) {
	if !actor.Admin {
		return nil, models.Unauthorizedf("program status changes require an administrator")
	}
	// Expiration is date-driven; the sweep and update-time auto-expiry own
	// that edge.
	if target == models.ProgramExpired {
		return nil, models.Validationf("programs expire automatically; the status cannot be set to %s", models.ProgramExpired)
	}
	now := s.now()

	var updated models.Program
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prog, err := loadProgram(tx, id)
		if err != nil {
			return err
		}
		if prog.Status == target {
			updated = *prog
			return nil
		}
		if !models.CanTransitionProgram(prog.Status, target) {
			return models.Validationf("program status %s cannot transition to %s", prog.Status, target)
		}
		if target == models.ProgramActive && prog.DateEnd != nil && prog.DateEnd.Before(now) {
			return models.Validationf("program end date has passed; extend the end date before re-activating")
		}
		if target == models.ProgramDeleted && s.links != nil {
			cancelled, err := s.links.CancelByProgramID(tx, prog.ID, now)
			if err != nil {
				return err
			}
			if cancelled > 0 {
				s.logger.Info("cancelled links for deleted program",
					slog.String("program_id", prog.ID.String()),
					slog.Int64("links", cancelled))
			}
		}
		prog.Status = target
		prog.UpdatedAt = now
		if err := tx.Save(prog).Error; err != nil {
			return fmt.Errorf("program: save status: %w", err)
		}
		if err := s.recordEvent(tx, prog.ID, actor.ID, "program.status_changed", "status="+string(target), now); err != nil {
			return err
		}
		updated = *prog
		return nil
	}, serializableTx)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetAsDefault promotes the program to the system-wide default, demoting the
// previous one. The current default is re-read inside the transaction so two
// concurrent promotions cannot both stick.
func (s *Service) SetAsDefault(ctx context.Context, id uuid.UUID, actor identity.User) error {
	if !actor.Admin {
		return models.Unauthorizedf("changing the default program requires an administrator")
	}
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prog, err := loadProgram(tx, id)
		if err != nil {
			return err
		}
		if prog.Status != models.ProgramActive {
			return models.Validationf("only an active program can be made the default")
		}
		return s.promoteDefault(tx, prog, actor, now)
	}, serializableTx)
}

// promoteDefault re-reads the authoritative current default after the
// transaction has begun, demotes it if it is a different program, and
// promotes the target. More than one stored default is an integrity bug.
func (s *Service) promoteDefault(tx *gorm.DB, prog *models.Program, actor identity.User, now time.Time) error {
	var defaults []models.Program
	if err := tx.Where("is_default").Find(&defaults).Error; err != nil {
		return fmt.Errorf("program: load current default: %w", err)
	}
	if len(defaults) > 1 {
		err := models.Inconsistentf("found %d default programs", len(defaults))
		s.logger.Error("default program invariant violated", slog.Int("count", len(defaults)))
		return err
	}
	if len(defaults) == 1 {
		current := defaults[0]
		if current.ID == prog.ID {
			prog.IsDefault = true
			return nil
		}
		if err := tx.Model(&models.Program{}).Where("id = ?", current.ID).
			Updates(map[string]any{"is_default": false, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("program: demote default: %w", err)
		}
	}
	prog.IsDefault = true
	if err := tx.Model(&models.Program{}).Where("id = ?", prog.ID).
		Updates(map[string]any{"is_default": true, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("program: promote default: %w", err)
	}
	return s.recordEvent(tx, prog.ID, actor.ID, "program.default_promoted", "", now)
}

// GetByID returns the program with its pathway tree preloaded in display
// order.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Program, error) {
	var prog models.Program
	err := s.db.WithContext(ctx).
		Preload("Pathway.Steps", func(db *gorm.DB) *gorm.DB { return db.Order("order_display ASC") }).
		Preload("Pathway.Steps.Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("order_display ASC") }).
		Preload("Pathway").
		First(&prog, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NotFound("program", id.String())
		}
		return nil, fmt.Errorf("program: load: %w", err)
	}
	return &prog, nil
}

// GetDefault returns the default program, if one is configured.
func (s *Service) GetDefault(ctx context.Context) (*models.Program, error) {
	var defaults []models.Program
	if err := s.db.WithContext(ctx).Where("is_default").Find(&defaults).Error; err != nil {
		return nil, fmt.Errorf("program: load default: %w", err)
	}
	switch len(defaults) {
	case 0:
		return nil, models.NotFound("default program", "")
	case 1:
		return &defaults[0], nil
	default:
		s.logger.Error("default program invariant violated", slog.Int("count", len(defaults)))
		return nil, models.Inconsistentf("found %d default programs", len(defaults))
	}
}

// Filter narrows a program search.
type Filter struct {
	NameContains string
	Statuses     []models.ProgramStatus
	Page         int
	PageSize     int
}

// Search lists programs matching the filter, ordered by name then id for
// stable pagination.
func (s *Service) Search(ctx context.Context, filter Filter) ([]models.Program, error) {
	query := s.db.WithContext(ctx).Model(&models.Program{})
	if trimmed := strings.TrimSpace(filter.NameContains); trimmed != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(trimmed)+"%")
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	query = query.Order("LOWER(name) ASC, id ASC")
	query = paginate(query, filter.Page, filter.PageSize)
	var programs []models.Program
	if err := query.Find(&programs).Error; err != nil {
		return nil, fmt.Errorf("program: search: %w", err)
	}
	return programs, nil
}

func (s *Service) recordEvent(tx *gorm.DB, entityID, actorID uuid.UUID, action, details string, now time.Time) error {
	event := models.Event{
		ID:        uuid.New(),
		EntityID:  &entityID,
		UserID:    actorID,
		Action:    action,
		Details:   details,
		CreatedAt: now,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("program: record event: %w", err)
	}
	return nil
}

func loadProgram(tx *gorm.DB, id uuid.UUID) (*models.Program, error) {
	var prog models.Program
	if err := tx.First(&prog, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NotFound("program", id.String())
		}
		return nil, fmt.Errorf("program: load: %w", err)
	}
	return &prog, nil
}

func ensureNameAvailable(tx *gorm.DB, name string, excludeID uuid.UUID) error {
	query := tx.Model(&models.Program{}).Where("LOWER(name) = ?", strings.ToLower(name))
	if excludeID != uuid.Nil {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return fmt.Errorf("program: check name: %w", err)
	}
	if count > 0 {
		return models.Validationf("a program named %q already exists", name)
	}
	return nil
}

// maxCompletionsPerReferrer returns the highest completed-usage count any
// single referrer has recorded against the program. The per-referrer cap may
// never be lowered below it.
func maxCompletionsPerReferrer(tx *gorm.DB, programID uuid.UUID) (int, error) {
	var result struct{ Cnt int }
	err := tx.Model(&models.ReferralLinkUsage{}).
		Select("COUNT(*) AS cnt").
		Where("program_id = ? AND status = ?", programID, models.UsageCompleted).
		Group("referrer_id").
		Order("cnt DESC").
		Limit(1).
		Scan(&result).Error
	if err != nil {
		return 0, fmt.Errorf("program: max completions per referrer: %w", err)
	}
	return result.Cnt, nil
}

func validateEconomics(req CreateRequest, completionTotal, refereeTotal int, cumulative float64) error {
	if req.ZltoRewardReferrer < 0 || req.ZltoRewardReferee < 0 {
		return models.Validationf("reward amounts must not be negative")
	}
	if req.ZltoRewardPool != nil {
		if *req.ZltoRewardPool < 0 {
			return models.Validationf("reward pool must not be negative")
		}
		if *req.ZltoRewardPool < cumulative {
			return models.Validationf("reward pool %.2f cannot be lowered below the %.2f already awarded", *req.ZltoRewardPool, cumulative)
		}
	}
	if req.CompletionLimit != nil {
		if *req.CompletionLimit <= 0 {
			return models.Validationf("completion limit must be positive")
		}
		if *req.CompletionLimit < completionTotal {
			return models.Validationf("completion limit %d cannot be lowered below the %d completions already recorded", *req.CompletionLimit, completionTotal)
		}
	}
	if req.CompletionLimitReferee != nil {
		if *req.CompletionLimitReferee <= 0 {
			return models.Validationf("per-referrer completion limit must be positive")
		}
		if *req.CompletionLimitReferee < refereeTotal {
			return models.Validationf("per-referrer completion limit %d cannot be lowered below the %d completions already recorded", *req.CompletionLimitReferee, refereeTotal)
		}
	}
	if req.CompletionWindowDays != nil && *req.CompletionWindowDays <= 0 {
		return models.Validationf("completion window must be a positive number of days")
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

func clampEnd(start time.Time, end *time.Time) (*time.Time, error) {
	if end == nil {
		return nil, nil
	}
	utc := end.UTC()
	clamped := time.Date(utc.Year(), utc.Month(), utc.Day(), 23, 59, 59, 0, time.UTC)
	if clamped.Before(start) {
		return nil, models.Validationf("program end date must not precede the start date")
	}
	return &clamped, nil
}

func paginate(query *gorm.DB, page, size int) *gorm.DB {
	if size <= 0 {
		size = 50
	}
	if page < 1 {
		page = 1
	}
	return query.Offset((page - 1) * size).Limit(size)
}
