// Package link owns the referral link lifecycle: creation against active
// programs, ownership-enforced reads and updates, cancellation, and the
// usage-count projection recomputed from the usage table on read.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/block"
	"referralhub/identity"
	"referralhub/models"
	"referralhub/shortlink"
)

// Config captures the dependencies required to construct a Service.
type Config struct {
	DB         *gorm.DB
	ShortLinks shortlink.Provider
	// ClaimBaseURL is the public prefix claim URLs are minted under.
	ClaimBaseURL string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service implements referral link operations.
type Service struct {
	db           *gorm.DB
	shortLinks   shortlink.Provider
	claimBaseURL string
	logger       *slog.Logger
	now          func() time.Time
}

// NewService builds a configured link service.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, errors.New("link: db is required")
	}
	if cfg.ShortLinks == nil {
		return nil, errors.New("link: short link provider is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.ClaimBaseURL), "/")
	if base == "" {
		return nil, errors.New("link: claim base url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{db: cfg.DB, shortLinks: cfg.ShortLinks, claimBaseURL: base, logger: logger, now: nowFn}, nil
}

// UsageCounts is the projection of a link's usage rows by status.
type UsageCounts struct {
	Pending   int
	Completed int
	Expired   int
}

// Link pairs a persisted link with its projected usage counts.
type Link struct {
	models.ReferralLink
	Counts UsageCounts
}

// CreateRequest describes a new link. The acting user becomes the owner.
type CreateRequest struct {
	ProgramID   uuid.UUID
	Name        string
	Description string
}

// Create issues a link against an active, started program. Unless the
// program allows multiple links, an existing active link for the same owner
// and program blocks creation.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor identity.User) (*Link, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, models.Validationf("link name is required")
	}
	now := s.now()

	var prog models.Program
	if err := s.db.WithContext(ctx).First(&prog, "id = ?", req.ProgramID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NotFound("program", req.ProgramID.String())
		}
		return nil, fmt.Errorf("link: load program: %w", err)
	}
	if prog.Status != models.ProgramActive {
		return nil, models.Validationf("program %q is not active", prog.Name)
	}
	if prog.DateStart.After(now) {
		return nil, models.Validationf("program %q has not started yet", prog.Name)
	}

	blocked, err := block.IsBlocked(s.db.WithContext(ctx), actor.ID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, models.Unauthorizedf("user %s is blocked from referral activity", actor.ID)
	}

	var created models.ReferralLink
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureLinkNameAvailable(tx, actor.ID, prog.ID, name, uuid.Nil); err != nil {
			return err
		}
		if !prog.MultipleLinksAllowed {
			var count int64
			if err := tx.Model(&models.ReferralLink{}).
				Where("user_id = ? AND program_id = ? AND status = ?", actor.ID, prog.ID, models.LinkActive).
				Count(&count).Error; err != nil {
				return fmt.Errorf("link: count active links: %w", err)
			}
			if count > 0 {
				return models.Validationf("program %q allows only one active link per user", prog.Name)
			}
		}

		// Mint the short link only after every validation has passed, so a
		// rejected create never orphans a provider-side link.
		linkID := uuid.New()
		claimURL := fmt.Sprintf("%s/claim/%s", s.claimBaseURL, linkID)
		short, err := s.shortLinks.CreateShortLink(ctx, shortlink.Request{
			Type:   "referral",
			Action: "claim",
			Title:  name,
			URL:    claimURL,
		})
		if err != nil {
			return fmt.Errorf("link: create short link: %w", err)
		}

		created = models.ReferralLink{
			ID:              linkID,
			Name:            name,
			Description:     strings.TrimSpace(req.Description),
			UserID:          actor.ID,
			UserDisplayName: actor.DisplayName,
			ProgramID:       prog.ID,
			URL:             claimURL,
			ShortURL:        short.Link,
			Status:          models.LinkActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("link: create: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Link{ReferralLink: created}, nil
}

// UpdateRequest carries a link's mutable fields.
type UpdateRequest struct {
	ID          uuid.UUID
	Name        string
	Description string
}

// Update edits an active link. Ownership is enforced unless the actor is an
// administrator.
func (s *Service) Update(ctx context.Context, req UpdateRequest, actor identity.User) (*Link, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, models.Validationf("link name is required")
	}
	var updated models.ReferralLink
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link, err := loadLink(tx, req.ID)
		if err != nil {
			return err
		}
		if err := requireOwnership(link, actor); err != nil {
			return err
		}
		if link.Status != models.LinkActive {
			return models.Validationf("only an active link can be updated")
		}
		if err := ensureLinkNameAvailable(tx, link.UserID, link.ProgramID, name, link.ID); err != nil {
			return err
		}
		link.Name = name
		link.Description = strings.TrimSpace(req.Description)
		link.UpdatedAt = s.now()
		if err := tx.Save(link).Error; err != nil {
			return fmt.Errorf("link: save update: %w", err)
		}
		updated = *link
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.withCounts(ctx, updated)
}

// Cancel terminates the link. Cancelling an already-cancelled link is a
// no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor identity.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link, err := loadLink(tx, id)
		if err != nil {
			return err
		}
		if err := requireOwnership(link, actor); err != nil {
			return err
		}
		if link.Status == models.LinkCancelled {
			return nil
		}
		if !models.CanTransitionLink(link.Status, models.LinkCancelled) {
			return models.Validationf("link status %s cannot transition to %s", link.Status, models.LinkCancelled)
		}
		link.Status = models.LinkCancelled
		link.UpdatedAt = s.now()
		if err := tx.Save(link).Error; err != nil {
			return fmt.Errorf("link: save cancel: %w", err)
		}
		return nil
	})
}

// CancelByProgramID cancels every active link under the program inside the
// caller's transaction. It backs the cascading maintenance path, so no
// ownership check applies.
func (s *Service) CancelByProgramID(tx *gorm.DB, programID uuid.UUID, now time.Time) (int64, error) {
	result := tx.Model(&models.ReferralLink{}).
		Where("program_id = ? AND status = ?", programID, models.LinkActive).
		Updates(map[string]any{"status": models.LinkCancelled, "updated_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("link: cancel by program: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetByID returns the link with projected usage counts. Callers must own the
// link or hold the admin override.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID, actor identity.User) (*Link, error) {
	link, err := loadLink(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if err := requireOwnership(link, actor); err != nil {
		return nil, err
	}
	return s.withCounts(ctx, *link)
}

// Filter narrows a link search. Non-administrators are always scoped to
// their own links regardless of the requested UserID.
type Filter struct {
	ProgramID    *uuid.UUID
	UserID       *uuid.UUID
	Statuses     []models.LinkStatus
	NameContains string
	Page         int
	PageSize     int
}

// Search lists links ordered by name, program name, owner display name, and
// finally id. The trailing id tie-break keeps page boundaries stable when
// names collide.
func (s *Service) Search(ctx context.Context, filter Filter, actor identity.User) ([]Link, error) {
	query := s.db.WithContext(ctx).Model(&models.ReferralLink{}).
		Joins("JOIN programs ON programs.id = referral_links.program_id")
	if !actor.Admin {
		query = query.Where("referral_links.user_id = ?", actor.ID)
	} else if filter.UserID != nil {
		query = query.Where("referral_links.user_id = ?", *filter.UserID)
	}
	if filter.ProgramID != nil {
		query = query.Where("referral_links.program_id = ?", *filter.ProgramID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("referral_links.status IN ?", filter.Statuses)
	}
	if trimmed := strings.TrimSpace(filter.NameContains); trimmed != "" {
		query = query.Where("LOWER(referral_links.name) LIKE ?", "%"+strings.ToLower(trimmed)+"%")
	}
	query = query.Order("LOWER(referral_links.name) ASC, LOWER(programs.name) ASC, LOWER(referral_links.user_display_name) ASC, referral_links.id ASC")

	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	var rows []models.ReferralLink
	if err := query.Offset((page - 1) * size).Limit(size).Select("referral_links.*").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("link: search: %w", err)
	}
	return s.attachCounts(ctx, rows)
}

// withCounts projects usage counts for a single link.
func (s *Service) withCounts(ctx context.Context, link models.ReferralLink) (*Link, error) {
	result, err := s.attachCounts(ctx, []models.ReferralLink{link})
	if err != nil {
		return nil, err
	}
	return &result[0], nil
}

// attachCounts recomputes the pending/completed/expired projection from the
// usage table. The counts are intentionally not stored on the link so they
// cannot drift from the usage rows.
func (s *Service) attachCounts(ctx context.Context, links []models.ReferralLink) ([]Link, error) {
	result := make([]Link, len(links))
	if len(links) == 0 {
		return result, nil
	}
	ids := make([]uuid.UUID, len(links))
	for i, l := range links {
		ids[i] = l.ID
		result[i] = Link{ReferralLink: l}
	}
	var grouped []struct {
		LinkID uuid.UUID
		Status models.UsageStatus
		Cnt    int
	}
	err := s.db.WithContext(ctx).Model(&models.ReferralLinkUsage{}).
		Select("link_id, status, COUNT(*) AS cnt").
		Where("link_id IN ?", ids).
		Group("link_id").Group("status").
		Scan(&grouped).Error
	if err != nil {
		return nil, fmt.Errorf("link: project usage counts: %w", err)
	}
	byLink := make(map[uuid.UUID]UsageCounts, len(grouped))
	for _, row := range grouped {
		counts := byLink[row.LinkID]
		switch row.Status {
		case models.UsagePending:
			counts.Pending = row.Cnt
		case models.UsageCompleted:
			counts.Completed = row.Cnt
		case models.UsageExpired:
			counts.Expired = row.Cnt
		}
		byLink[row.LinkID] = counts
	}
	for i := range result {
		result[i].Counts = byLink[result[i].ID]
	}
	return result, nil
}

func loadLink(tx *gorm.DB, id uuid.UUID) (*models.ReferralLink, error) {
	var link models.ReferralLink
	if err := tx.First(&link, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NotFound("link", id.String())
		}
		return nil, fmt.Errorf("link: load: %w", err)
	}
	return &link, nil
}

func requireOwnership(link *models.ReferralLink, actor identity.User) error {
	if actor.Admin || link.UserID == actor.ID {
		return nil
	}
	return models.Unauthorizedf("user %s does not own link %s", actor.ID, link.ID)
}

func ensureLinkNameAvailable(tx *gorm.DB, userID, programID uuid.UUID, name string, excludeID uuid.UUID) error {
	query := tx.Model(&models.ReferralLink{}).
		Where("user_id = ? AND program_id = ? AND LOWER(name) = ?", userID, programID, strings.ToLower(name))
	if excludeID != uuid.Nil {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return fmt.Errorf("link: check name: %w", err)
	}
	if count > 0 {
		return models.Validationf("a link named %q already exists for this program", name)
	}
	return nil
}
