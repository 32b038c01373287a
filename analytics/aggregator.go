// Package analytics builds read-only leaderboard rollups over referral links
// and usages. Counts and reward totals are recomputed from the live tables on
// every query rather than stored, so the numbers cannot drift from the rows
// they summarise.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/models"
)

// Role selects which side of a referral a leaderboard ranks.
type Role string

const (
	// RoleReferrer ranks the users who own links.
	RoleReferrer Role = "REFERRER"
	// RoleReferee ranks the users who claim them.
	RoleReferee Role = "REFEREE"
)

// Row is one leaderboard entry.
type Row struct {
	UserID          uuid.UUID
	DisplayName     string
	LinkCount       int
	ActiveLinkCount int
	PendingCount    int
	CompletedCount  int
	ExpiredCount    int
	RewardTotal     float64
}

// Aggregator serves leaderboard queries and snapshot exports.
type Aggregator struct {
	db *gorm.DB
}

// NewAggregator builds an aggregator over the supplied database handle.
func NewAggregator(db *gorm.DB) (*Aggregator, error) {
	if db == nil {
		return nil, errors.New("analytics: db is required")
	}
	return &Aggregator{db: db}, nil
}

type usageAggregate struct {
	UserID      uuid.UUID
	DisplayName string
	Status      models.UsageStatus
	Count       int
	Reward      float64
}

type linkAggregate struct {
	UserID      uuid.UUID
	DisplayName string
	Status      models.LinkStatus
	Count       int
}

// Leaderboard returns one page of the role-scoped leaderboard. Link and usage
// aggregates are outer-joined on user id so a referrer with links but no
// claims yet (or the reverse) still appears with zero-filled counters. The
// sort is completed count descending, then display name ascending, then user
// id ascending; the id tie-break keeps page boundaries stable when many users
// share a count.
func (a *Aggregator) Leaderboard(ctx context.Context, role Role, programID *uuid.UUID, page, pageSize int) ([]Row, error) {
	var userColumn, nameColumn, rewardColumn string
	switch role {
	case RoleReferrer:
		userColumn = "referrer_id"
		nameColumn = "referrer_display_name"
		rewardColumn = "zlto_reward_referrer"
	case RoleReferee:
		userColumn = "referee_id"
		nameColumn = "referee_display_name"
		rewardColumn = "zlto_reward_referee"
	default:
		return nil, models.Validationf("role %q is not a leaderboard role", role)
	}

	byUser := make(map[uuid.UUID]*Row)

	// Grouped by status, so the reward sum is only read off the COMPLETED group.
	usageQuery := a.db.WithContext(ctx).Model(&models.ReferralLinkUsage{}).
		Select(fmt.Sprintf(
			"%s AS user_id, MAX(%s) AS display_name, status, COUNT(*) AS count, SUM(%s) AS reward",
			userColumn, nameColumn, rewardColumn)).
		Group(userColumn + ", status")
	if programID != nil {
		usageQuery = usageQuery.Where("program_id = ?", *programID)
	}
	var usages []usageAggregate
	if err := usageQuery.Scan(&usages).Error; err != nil {
		return nil, fmt.Errorf("analytics: aggregate usages: %w", err)
	}
	for _, agg := range usages {
		row := ensureRow(byUser, agg.UserID, agg.DisplayName)
		switch agg.Status {
		case models.UsagePending:
			row.PendingCount += agg.Count
		case models.UsageCompleted:
			row.CompletedCount += agg.Count
			row.RewardTotal += agg.Reward
		case models.UsageExpired:
			row.ExpiredCount += agg.Count
		}
	}

	if role == RoleReferrer {
		linkQuery := a.db.WithContext(ctx).Model(&models.ReferralLink{}).
			Select("user_id, MAX(user_display_name) AS display_name, status, COUNT(*) AS count").
			Group("user_id, status")
		if programID != nil {
			linkQuery = linkQuery.Where("program_id = ?", *programID)
		}
		var links []linkAggregate
		if err := linkQuery.Scan(&links).Error; err != nil {
			return nil, fmt.Errorf("analytics: aggregate links: %w", err)
		}
		for _, agg := range links {
			row := ensureRow(byUser, agg.UserID, agg.DisplayName)
			row.LinkCount += agg.Count
			if agg.Status == models.LinkActive {
				row.ActiveLinkCount += agg.Count
			}
		}
	}

	rows := make([]Row, 0, len(byUser))
	for _, row := range byUser {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CompletedCount != rows[j].CompletedCount {
			return rows[i].CompletedCount > rows[j].CompletedCount
		}
		ni, nj := strings.ToLower(rows[i].DisplayName), strings.ToLower(rows[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return rows[i].UserID.String() < rows[j].UserID.String()
	})

	return pageOf(rows, page, pageSize), nil
}

func ensureRow(byUser map[uuid.UUID]*Row, userID uuid.UUID, displayName string) *Row {
	row, ok := byUser[userID]
	if !ok {
		row = &Row{UserID: userID}
		byUser[userID] = row
	}
	if row.DisplayName == "" {
		row.DisplayName = displayName
	}
	return row
}

func pageOf(rows []Row, page, size int) []Row {
	if size <= 0 {
		size = 50
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(rows) {
		return []Row{}
	}
	end := start + size
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}
