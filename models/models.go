package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Program configures a referral program: availability window, reward
// economics, completion caps, and an optional completion pathway. At most one
// program system-wide carries IsDefault. The running totals CompletionTotal
// and ZltoRewardCumulative are incremented only under a transaction that
// re-checks the caps and the pool.
type Program struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"size:255;uniqueIndex"`
	Description string    `gorm:"size:2048"`

	DateStart time.Time  `gorm:"index"`
	DateEnd   *time.Time `gorm:"index"`
	IsDefault bool       `gorm:"index"`

	CompletionWindowDays   *int
	CompletionLimitReferee *int
	CompletionLimit        *int

	ZltoRewardReferrer   float64
	ZltoRewardReferee    float64
	ZltoRewardPool       *float64
	CompletionTotal      int
	ZltoRewardCumulative float64

	ProofOfPersonhoodRequired bool
	PathwayRequired           bool
	MultipleLinksAllowed      bool

	ImageObjectKey string `gorm:"size:512"`

	Status    ProgramStatus `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Pathway *Pathway
}

// Pathway is a program's completion checklist: ordered steps containing
// ordered tasks, each level carrying its own rule and order mode.
type Pathway struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProgramID   uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Name        string    `gorm:"size:255"`
	Description string    `gorm:"size:2048"`
	Rule        Rule      `gorm:"size:16"`
	OrderMode   OrderMode `gorm:"size:16"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Steps []PathwayStep `gorm:"foreignKey:PathwayID"`
}

// PathwayStep is one entry in a pathway checklist. Order is populated only
// when the owning pathway is Sequential; OrderDisplay is always a dense
// 1-based sequence in request order. The null/non-null Order signal is
// authoritative for whether the position is semantically significant.
type PathwayStep struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	PathwayID    uuid.UUID `gorm:"type:uuid;index"`
	Name         string    `gorm:"size:255"`
	Description  string    `gorm:"size:2048"`
	Rule         Rule      `gorm:"size:16"`
	OrderMode    OrderMode `gorm:"size:16"`
	Order        *int
	OrderDisplay int
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Tasks []PathwayTask `gorm:"foreignKey:StepID"`
}

// PathwayTask points one step entry at an external entity, currently always
// an opportunity. Entity references are unique within a step.
type PathwayTask struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	StepID       uuid.UUID      `gorm:"type:uuid;index:idx_task_step_entity,unique"`
	EntityType   TaskEntityType `gorm:"size:32"`
	EntityID     uuid.UUID      `gorm:"type:uuid;index:idx_task_step_entity,unique"`
	EntityTitle  string         `gorm:"size:255"`
	Order        *int
	OrderDisplay int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReferralLink is a referrer's invitation into a program. Usage counters are
// projected from the usage table on read rather than stored, so they cannot
// drift from the source of truth.
type ReferralLink struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name            string    `gorm:"size:255;index"`
	Description     string    `gorm:"size:2048"`
	UserID          uuid.UUID `gorm:"type:uuid;index"`
	UserDisplayName string    `gorm:"size:255"`
	ProgramID       uuid.UUID `gorm:"type:uuid;index"`
	URL             string    `gorm:"size:2048"`
	ShortURL        string    `gorm:"size:2048"`

	Status    LinkStatus `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReferralLinkUsage tracks one referee's claim against a link. A referee may
// hold at most one usage per program regardless of which link it came in
// through. Reward amounts are fixed from the program at completion time and
// never recomputed. DateExpires is materialised at claim time from the
// program's completion window so the expiration sweep can scan by it.
type ReferralLinkUsage struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	LinkID              uuid.UUID `gorm:"type:uuid;index"`
	ProgramID           uuid.UUID `gorm:"type:uuid;index:idx_usage_program_referee"`
	ReferrerID          uuid.UUID `gorm:"type:uuid;index"`
	ReferrerDisplayName string    `gorm:"size:255"`
	RefereeID           uuid.UUID `gorm:"type:uuid;index:idx_usage_program_referee"`
	RefereeDisplayName  string    `gorm:"size:255"`

	Status        UsageStatus `gorm:"size:32;index"`
	DateClaimed   time.Time   `gorm:"index"`
	DateExpires   *time.Time  `gorm:"index"`
	DateCompleted *time.Time
	DateExpired   *time.Time

	ZltoRewardReferrer float64
	ZltoRewardReferee  float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageTaskCompletion records one pathway task a referee has finished for a
// usage. The usage/task pair is unique; re-recording is a no-op.
type UsageTaskCompletion struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UsageID     uuid.UUID `gorm:"type:uuid;index:idx_completion_usage_task,unique"`
	TaskID      uuid.UUID `gorm:"type:uuid;index:idx_completion_usage_task,unique"`
	CompletedAt time.Time
}

// UserBlock excludes a user from referral activity. At most one block per
// user is active at a time; unblocking clears Active and records the reason.
type UserBlock struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID  `gorm:"type:uuid;index"`
	Active        bool       `gorm:"index"`
	Reason        string     `gorm:"size:512"`
	UnblockReason string     `gorm:"size:512"`
	CreatedBy     uuid.UUID  `gorm:"type:uuid"`
	UnblockedBy   *uuid.UUID `gorm:"type:uuid"`
	CreatedAt     time.Time
	UnblockedAt   *time.Time
}

// Event is the audit trail written alongside state transitions, in the same
// transaction as the transition itself.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EntityID  *uuid.UUID `gorm:"type:uuid;index"`
	UserID    uuid.UUID  `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Program{},
		&Pathway{},
		&PathwayStep{},
		&PathwayTask{},
		&ReferralLink{},
		&ReferralLinkUsage{},
		&UsageTaskCompletion{},
		&UserBlock{},
		&Event{},
	)
}
