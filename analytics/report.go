package analytics

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ReportFile references the CSV and Parquet artefacts written for one
// leaderboard snapshot.
type ReportFile struct {
	Role        Role
	CSVPath     string
	ParquetPath string
	Count       int
}

// WriteReport materialises the full leaderboard for a role as CSV and Parquet
// files under dir. The snapshot is taken through the normal Leaderboard query
// so exported numbers always match what the API would serve.
func (a *Aggregator) WriteReport(ctx context.Context, dir string, role Role, asOf time.Time) (*ReportFile, error) {
	rows, err := a.Leaderboard(ctx, role, nil, 1, leaderboardExportLimit)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("analytics: ensure report dir: %w", err)
	}
	filename := fmt.Sprintf("leaderboard_%s_%s", strings.ToLower(string(role)), asOf.Format("20060102"))
	csvPath := filepath.Join(dir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(dir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	return &ReportFile{Role: role, CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

// One export covers the whole board; the query-side page cap does not apply.
const leaderboardExportLimit = 1_000_000

func writeCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("analytics: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"user_id", "display_name", "link_count", "active_link_count",
		"pending_count", "completed_count", "expired_count", "reward_total",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("analytics: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.UserID.String(),
			row.DisplayName,
			fmt.Sprintf("%d", row.LinkCount),
			fmt.Sprintf("%d", row.ActiveLinkCount),
			fmt.Sprintf("%d", row.PendingCount),
			fmt.Sprintf("%d", row.CompletedCount),
			fmt.Sprintf("%d", row.ExpiredCount),
			fmt.Sprintf("%.2f", row.RewardTotal),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("analytics: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("analytics: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	UserID          string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayName     string  `parquet:"name=display_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	LinkCount       int32   `parquet:"name=link_count, type=INT32"`
	ActiveLinkCount int32   `parquet:"name=active_link_count, type=INT32"`
	PendingCount    int32   `parquet:"name=pending_count, type=INT32"`
	CompletedCount  int32   `parquet:"name=completed_count, type=INT32"`
	ExpiredCount    int32   `parquet:"name=expired_count, type=INT32"`
	RewardTotal     float64 `parquet:"name=reward_total, type=DOUBLE"`
}

func writeParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("analytics: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("analytics: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			UserID:          row.UserID.String(),
			DisplayName:     row.DisplayName,
			LinkCount:       int32(row.LinkCount),
			ActiveLinkCount: int32(row.ActiveLinkCount),
			PendingCount:    int32(row.PendingCount),
			CompletedCount:  int32(row.CompletedCount),
			ExpiredCount:    int32(row.ExpiredCount),
			RewardTotal:     row.RewardTotal,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("analytics: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("analytics: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("analytics: close parquet file: %w", err)
	}
	return nil
}
