package analytics

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"referralhub/models"
)

func TestWriteReport(t *testing.T) {
	db := setupAnalyticsTestDB(t)
	agg, err := NewAggregator(db)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	program := uuid.New()
	referrer := uuid.New()
	seedLinkRow(t, db, program, referrer, "Rita", models.LinkActive)
	seedUsageRow(t, db, program, referrer, uuid.New(), "Rita", "Ben", models.UsageCompleted, 10)

	dir := t.TempDir()
	asOf := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	report, err := agg.WriteReport(context.Background(), dir, RoleReferrer, asOf)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if report.Count != 1 {
		t.Fatalf("expected 1 row exported, got %d", report.Count)
	}
	if want := filepath.Join(dir, "leaderboard_referrer_20260615.csv"); report.CSVPath != want {
		t.Fatalf("expected csv path %q, got %q", want, report.CSVPath)
	}
	if want := filepath.Join(dir, "leaderboard_referrer_20260615.parquet"); report.ParquetPath != want {
		t.Fatalf("expected parquet path %q, got %q", want, report.ParquetPath)
	}

	file, err := os.Open(report.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus one row, got %d records", len(records))
	}
	if records[0][0] != "user_id" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	row := records[1]
	if row[0] != referrer.String() || row[1] != "Rita" || row[5] != "1" || row[7] != "10.00" {
		t.Fatalf("unexpected csv row: %v", row)
	}

	info, err := os.Stat(report.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty parquet file")
	}
}

func TestWriteReportEmptyBoard(t *testing.T) {
	db := setupAnalyticsTestDB(t)
	agg, err := NewAggregator(db)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	dir := t.TempDir()
	report, err := agg.WriteReport(context.Background(), dir, RoleReferee, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if report.Count != 0 {
		t.Fatalf("expected empty export, got %d", report.Count)
	}
	if _, err := os.Stat(report.CSVPath); err != nil {
		t.Fatalf("expected csv written even when empty: %v", err)
	}
}
