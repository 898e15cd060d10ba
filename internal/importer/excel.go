package importer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"object_registry_bot/internal/domain"
)

// ExcelSource decodes the first sheet of an xlsx workbook. The first row is
// the attribute header; every following row becomes one attribute set, with
// blank cells omitted.
type ExcelSource struct {
	reader io.Reader
}

// NewExcelSource wraps an uploaded workbook stream.
func NewExcelSource(reader io.Reader) *ExcelSource {
	return &ExcelSource{reader: reader}
}

// Rows implements RowSource.
func (s *ExcelSource) Rows(_ context.Context) ([]Row, error) {
	if s == nil || s.reader == nil {
		return nil, fmt.Errorf("workbook stream is required: %w", domain.ErrMalformedInput)
	}

	workbook, err := excelize.OpenReader(s.reader)
	if err != nil {
		return nil, fmt.Errorf("not a readable xlsx workbook: %w", domain.ErrMalformedInput)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets: %w", domain.ErrMalformedInput)
	}

	cells, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], domain.ErrMalformedInput)
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("sheet %q has no header row: %w", sheets[0], domain.ErrMalformedInput)
	}

	header := make([]string, len(cells[0]))
	var named int
	for i, cell := range cells[0] {
		header[i] = strings.TrimSpace(cell)
		if header[i] != "" {
			named++
		}
	}
	if named == 0 {
		return nil, fmt.Errorf("header row names no attributes: %w", domain.ErrMalformedInput)
	}

	var rows []Row
	for i, line := range cells[1:] {
		attrs := map[string]string{}
		for j, cell := range line {
			if j >= len(header) || header[j] == "" {
				continue
			}
			value := strings.TrimSpace(cell)
			if value == "" {
				continue
			}
			attrs[header[j]] = value
		}
		rows = append(rows, Row{Line: i + 2, Attrs: attrs})
	}

	return rows, nil
}
