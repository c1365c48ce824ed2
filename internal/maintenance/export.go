package maintenance

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
)

// ExportRow is the parquet layout of one exported pattern. Timestamps are
// unix microseconds in UTC.
type ExportRow struct {
	ID          string  `parquet:"id"`
	Fingerprint string  `parquet:"fingerprint"`
	Question    string  `parquet:"question"`
	QuestionKey string  `parquet:"question_key"`
	SQL         string  `parquet:"sql_text"`
	Score       float64 `parquet:"score"`
	UseCount    int64   `parquet:"use_count"`
	CreatedAt   int64   `parquet:"created_at_us"`
	LastUsedAt  int64   `parquet:"last_used_at_us"`
	ExportedAt  int64   `parquet:"exported_at_us"`
}

func encodeExport(items []patterns.Pattern, exportedAt time.Time) ([]byte, error) {
	rows := make([]ExportRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, ExportRow{
			ID:          item.ID,
			Fingerprint: item.Fingerprint.String(),
			Question:    item.Question,
			QuestionKey: item.QuestionKey,
			SQL:         item.SQL,
			Score:       item.Score,
			UseCount:    item.UseCount,
			CreatedAt:   item.CreatedAt.UTC().UnixMicro(),
			LastUsedAt:  item.LastUsedAt.UTC().UnixMicro(),
			ExportedAt:  exportedAt.UTC().UnixMicro(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[ExportRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeExport reads an export file back into patterns.
func DecodeExport(r io.ReaderAt, size int64) ([]patterns.Pattern, error) {
	rows, err := parquet.Read[ExportRow](r, size)
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	out := make([]patterns.Pattern, 0, len(rows))
	for _, row := range rows {
		out = append(out, patterns.Pattern{
			ID:          row.ID,
			Fingerprint: schema.Fingerprint(row.Fingerprint),
			Question:    row.Question,
			QuestionKey: row.QuestionKey,
			SQL:         row.SQL,
			Score:       row.Score,
			UseCount:    row.UseCount,
			CreatedAt:   time.UnixMicro(row.CreatedAt).UTC(),
			LastUsedAt:  time.UnixMicro(row.LastUsedAt).UTC(),
		})
	}
	return out, nil
}
