package program

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/catalog"
	"referralhub/identity"
	"referralhub/models"
)

func setupProgramTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// cancelRecorder satisfies LinkMaintenance and records cascade calls.
type cancelRecorder struct {
	mu        sync.Mutex
	programs  []uuid.UUID
	cancelled int64
}

func (r *cancelRecorder) CancelByProgramID(tx *gorm.DB, programID uuid.UUID, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs = append(r.programs, programID)
	return r.cancelled, nil
}

func newTestService(t *testing.T, db *gorm.DB, now time.Time) (*Service, *catalog.Memory, *cancelRecorder) {
	t.Helper()
	opportunities := catalog.NewMemory()
	links := &cancelRecorder{}
	svc, err := NewService(Config{
		DB:      db,
		Catalog: opportunities,
		Links:   links,
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, opportunities, links
}

func admin() identity.User {
	return identity.User{ID: uuid.New(), DisplayName: "Admin", Admin: true}
}

func TestCreateProgram(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	end := now.AddDate(0, 6, 0)
	prog, err := svc.Create(context.Background(), CreateRequest{
		Name:               "  Spring Referrals  ",
		Description:        "Invite a friend",
		DateStart:          now,
		DateEnd:            &end,
		ZltoRewardReferrer: 10,
		ZltoRewardReferee:  5,
	}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if prog.Name != "Spring Referrals" {
		t.Fatalf("expected trimmed name, got %q", prog.Name)
	}
	if prog.Status != models.ProgramActive {
		t.Fatalf("expected new program active, got %s", prog.Status)
	}
	if prog.DateStart.Hour() != 0 {
		t.Fatalf("expected start clamped to start of day, got %s", prog.DateStart)
	}
	if prog.DateEnd.Hour() != 23 || prog.DateEnd.Minute() != 59 {
		t.Fatalf("expected end clamped to end of day, got %s", prog.DateEnd)
	}

	var event models.Event
	if err := db.First(&event, "entity_id = ? AND action = ?", prog.ID, "program.created").Error; err != nil {
		t.Fatalf("load create event: %v", err)
	}
	if event.UserID != actor.ID {
		t.Fatalf("expected event actor %s, got %s", actor.ID, event.UserID)
	}
}

func TestCreateProgramValidation(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)

	if _, err := svc.Create(context.Background(), CreateRequest{Name: "X", DateStart: now}, identity.User{ID: uuid.New()}); !models.IsAuthorization(err) {
		t.Fatalf("expected authorization error for non-admin, got %v", err)
	}

	actor := admin()
	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"empty name", CreateRequest{Name: "   ", DateStart: now}},
		{"past start", CreateRequest{Name: "A", DateStart: now.AddDate(0, 0, -2)}},
		{"end before start", CreateRequest{Name: "B", DateStart: now, DateEnd: ptrTime(now.AddDate(0, 0, -1))}},
		{"negative reward", CreateRequest{Name: "C", DateStart: now, ZltoRewardReferrer: -1}},
		{"negative pool", CreateRequest{Name: "D", DateStart: now, ZltoRewardPool: ptrFloat(-5)}},
		{"zero completion limit", CreateRequest{Name: "E", DateStart: now, CompletionLimit: ptrInt(0)}},
		{"zero window", CreateRequest{Name: "F", DateStart: now, CompletionWindowDays: ptrInt(0)}},
	}
	for _, tc := range cases {
		if _, err := svc.Create(context.Background(), tc.req, actor); !models.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreateProgramDuplicateName(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	if _, err := svc.Create(context.Background(), CreateRequest{Name: "Spring", DateStart: now}, actor); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateRequest{Name: "  spring ", DateStart: now}, actor); !models.IsValidation(err) {
		t.Fatalf("expected case-insensitive duplicate rejection, got %v", err)
	}
}

func TestDefaultPromotionDemotesPrevious(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	first, err := svc.Create(context.Background(), CreateRequest{Name: "First", DateStart: now, IsDefault: true}, actor)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := svc.Create(context.Background(), CreateRequest{Name: "Second", DateStart: now}, actor)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := svc.SetAsDefault(context.Background(), second.ID, actor); err != nil {
		t.Fatalf("set as default: %v", err)
	}

	current, err := svc.GetDefault(context.Background())
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if current.ID != second.ID {
		t.Fatalf("expected %s as default, got %s", second.ID, current.ID)
	}
	var count int64
	if err := db.Model(&models.Program{}).Where("is_default").Count(&count).Error; err != nil {
		t.Fatalf("count defaults: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one default, found %d", count)
	}

	reloaded, err := svc.GetByID(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("reload first: %v", err)
	}
	if reloaded.IsDefault {
		t.Fatalf("expected first program demoted")
	}
}

func TestSetAsDefaultRequiresActive(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	prog, err := svc.Create(context.Background(), CreateRequest{Name: "Paused", DateStart: now}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), prog.ID, models.ProgramInactive, actor); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := svc.SetAsDefault(context.Background(), prog.ID, actor); !models.IsValidation(err) {
		t.Fatalf("expected validation error for inactive default, got %v", err)
	}
}

func TestUpdateStatusTransitionTable(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, links := newTestService(t, db, now)
	actor := admin()

	prog, err := svc.Create(context.Background(), CreateRequest{Name: "Lifecycle", DateStart: now}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Expiration is date-driven, never an explicit transition.
	if _, err := svc.UpdateStatus(context.Background(), prog.ID, models.ProgramExpired, actor); !models.IsValidation(err) {
		t.Fatalf("expected explicit expiration to be rejected, got %v", err)
	}

	if _, err := svc.UpdateStatus(context.Background(), prog.ID, models.ProgramInactive, actor); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), prog.ID, models.ProgramActive, actor); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	links.cancelled = 3
	updated, err := svc.UpdateStatus(context.Background(), prog.ID, models.ProgramDeleted, actor)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if updated.Status != models.ProgramDeleted {
		t.Fatalf("expected deleted, got %s", updated.Status)
	}
	if len(links.programs) != 1 || links.programs[0] != prog.ID {
		t.Fatalf("expected link cascade for %s, got %v", prog.ID, links.programs)
	}

	if _, err := svc.UpdateStatus(context.Background(), prog.ID, models.ProgramActive, actor); !models.IsValidation(err) {
		t.Fatalf("expected deleted program to be terminal, got %v", err)
	}
}

func TestReactivationRejectedWhenEndDatePassed(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	yesterday := now.AddDate(0, 0, -1)
	seeded := models.Program{
		ID:        uuid.New(),
		Name:      "Ended",
		DateStart: now.AddDate(0, -1, 0),
		DateEnd:   &yesterday,
		Status:    models.ProgramExpired,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("seed program: %v", err)
	}

	_, err := svc.UpdateStatus(context.Background(), seeded.ID, models.ProgramActive, actor)
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateAutoExpiresWhenEndDateInPast(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, links := newTestService(t, db, now)
	actor := admin()

	prog, err := svc.Create(context.Background(), CreateRequest{Name: "Closing", DateStart: now}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Move the start back so the past end date stays after it.
	if err := db.Model(&models.Program{}).Where("id = ?", prog.ID).
		Update("date_start", now.AddDate(0, -2, 0)).Error; err != nil {
		t.Fatalf("backdate start: %v", err)
	}

	past := now.AddDate(0, 0, -3)
	updated, err := svc.Update(context.Background(), UpdateRequest{
		ID: prog.ID,
		CreateRequest: CreateRequest{
			Name:      "Closing",
			DateStart: now.AddDate(0, -2, 0),
			DateEnd:   &past,
		},
	}, actor)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != models.ProgramExpired {
		t.Fatalf("expected auto-expiry, got %s", updated.Status)
	}
	if len(links.programs) != 1 {
		t.Fatalf("expected link cascade on auto-expiry")
	}
}

func TestUpdateCannotLowerCapsBelowRecorded(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	prog, err := svc.Create(context.Background(), CreateRequest{Name: "Capped", DateStart: now}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Model(&models.Program{}).Where("id = ?", prog.ID).
		Updates(map[string]any{"completion_total": 4, "zlto_reward_cumulative": 80.0}).Error; err != nil {
		t.Fatalf("seed totals: %v", err)
	}
	referrer := uuid.New()
	for i := 0; i < 2; i++ {
		u := models.ReferralLinkUsage{
			ID:          uuid.New(),
			LinkID:      uuid.New(),
			ProgramID:   prog.ID,
			ReferrerID:  referrer,
			RefereeID:   uuid.New(),
			Status:      models.UsageCompleted,
			DateClaimed: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := db.Create(&u).Error; err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}

	base := CreateRequest{Name: "Capped", DateStart: now}

	lowCap := base
	lowCap.CompletionLimit = ptrInt(3)
	if _, err := svc.Update(context.Background(), UpdateRequest{ID: prog.ID, CreateRequest: lowCap}, actor); !models.IsValidation(err) {
		t.Fatalf("expected cap floor rejection, got %v", err)
	}

	lowPool := base
	lowPool.ZltoRewardPool = ptrFloat(50)
	if _, err := svc.Update(context.Background(), UpdateRequest{ID: prog.ID, CreateRequest: lowPool}, actor); !models.IsValidation(err) {
		t.Fatalf("expected pool floor rejection, got %v", err)
	}

	lowReferrerCap := base
	lowReferrerCap.CompletionLimitReferee = ptrInt(1)
	if _, err := svc.Update(context.Background(), UpdateRequest{ID: prog.ID, CreateRequest: lowReferrerCap}, actor); !models.IsValidation(err) {
		t.Fatalf("expected per-referrer cap floor rejection, got %v", err)
	}

	ok := base
	ok.CompletionLimit = ptrInt(4)
	ok.ZltoRewardPool = ptrFloat(80)
	ok.CompletionLimitReferee = ptrInt(2)
	if _, err := svc.Update(context.Background(), UpdateRequest{ID: prog.ID, CreateRequest: ok}, actor); err != nil {
		t.Fatalf("expected floors to be accepted exactly, got %v", err)
	}
}

func TestUpdateDeletedProgramRejected(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	prog, err := svc.Create(context.Background(), CreateRequest{Name: "Gone", DateStart: now}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), prog.ID, models.ProgramDeleted, actor); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Update(context.Background(), UpdateRequest{ID: prog.ID, CreateRequest: CreateRequest{Name: "Gone", DateStart: now}}, actor); !models.IsValidation(err) {
		t.Fatalf("expected deleted program update rejection, got %v", err)
	}
}

func TestSearchOrdering(t *testing.T) {
	db := setupProgramTestDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, db, now)
	actor := admin()

	for _, name := range []string{"beta", "Alpha", "gamma"} {
		if _, err := svc.Create(context.Background(), CreateRequest{Name: name, DateStart: now}, actor); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	results, err := svc.Search(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 programs, got %d", len(results))
	}
	if results[0].Name != "Alpha" || results[1].Name != "beta" || results[2].Name != "gamma" {
		t.Fatalf("unexpected order: %s, %s, %s", results[0].Name, results[1].Name, results[2].Name)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt(v int) *int              { return &v }
func ptrFloat(v float64) *float64    { return &v }
