// Package export builds Excel reports of the laundry database.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// TableSource provides access to database tables for export.
type TableSource interface {
	GetTableNames(ctx context.Context) ([]string, error)
	GetTableData(ctx context.Context, tableName string) ([]map[string]interface{}, []string, error)
}

// Service turns every exported table into one sheet of a workbook.
type Service struct {
	source TableSource
	clock  clock.Clock
	logger *zerolog.Logger
}

func NewService(source TableSource, clk clock.Clock, logger *zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	l := logger.With().Str("component", "export").Logger()
	return &Service{source: source, clock: clk, logger: &l}
}

// FileName returns the report name for t, e.g. laundry_2025-03-14_0900.xlsx.
func FileName(t time.Time) string {
	return fmt.Sprintf("laundry_%s.xlsx", t.Format("2006-01-02_1504"))
}

// Write fills w with one sheet per table and returns the number of data rows.
func (s *Service) Write(ctx context.Context, w *SheetWriter) (int, error) {
	tables, err := s.source.GetTableNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tables: %w", err)
	}

	total := 0
	for _, table := range tables {
		rows, columns, err := s.source.GetTableData(ctx, table)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", table, err)
		}
		if err := w.AddSheet(table); err != nil {
			return total, err
		}
		if err := w.WriteHeader(columns); err != nil {
			return total, err
		}
		for _, row := range rows {
			values := make([]interface{}, len(columns))
			for i, col := range columns {
				values[i] = row[col]
			}
			if err := w.WriteRow(values); err != nil {
				return total, err
			}
		}
		total += len(rows)
		s.logger.Debug().Str("table", table).Int("rows", len(rows)).Msg("table exported")
	}
	return total, nil
}

// BuildReport returns the workbook as bytes together with its file name.
func (s *Service) BuildReport(ctx context.Context) (string, []byte, error) {
	w := NewSheetWriter()
	defer w.Close()

	rows, err := s.Write(ctx, w)
	if err != nil {
		return "", nil, err
	}

	var buf bytes.Buffer
	if err := w.Save(&buf); err != nil {
		return "", nil, fmt.Errorf("save workbook: %w", err)
	}

	name := FileName(s.clock.Now())
	s.logger.Info().Str("file", name).Int("rows", rows).Msg("report built")
	return name, buf.Bytes(), nil
}

// SaveToFile writes the report to path.
func (s *Service) SaveToFile(ctx context.Context, path string) error {
	w := NewSheetWriter()
	defer w.Close()

	if _, err := s.Write(ctx, w); err != nil {
		return err
	}
	return w.SaveToFile(path)
}
