package importer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"object_registry_bot/internal/domain"
)

func buildWorkbook(t *testing.T, cells [][]string) *bytes.Buffer {
	t.Helper()

	workbook := excelize.NewFile()
	defer workbook.Close()

	sheet := workbook.GetSheetName(0)
	for r, row := range cells {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				t.Fatalf("CoordinatesToCellName: %v", err)
			}
			if err := workbook.SetCellValue(sheet, cell, value); err != nil {
				t.Fatalf("SetCellValue(%s): %v", cell, err)
			}
		}
	}

	buffer, err := workbook.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buffer
}

func TestExcelSourceDecodesRows(t *testing.T) {
	buffer := buildWorkbook(t, [][]string{
		{" name ", "site"},
		{"pump-a", "north"},
		{"pump-b", ""},
	})

	rows, err := NewExcelSource(buffer).Rows(context.Background())
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Line != 2 || rows[1].Line != 3 {
		t.Fatalf("expected source line numbers 2 and 3, got %d and %d", rows[0].Line, rows[1].Line)
	}
	if rows[0].Attrs["name"] != "pump-a" || rows[0].Attrs["site"] != "north" {
		t.Fatalf("unexpected first row attrs: %v", rows[0].Attrs)
	}
	if _, ok := rows[1].Attrs["site"]; ok {
		t.Fatalf("expected blank cell omitted, got %v", rows[1].Attrs)
	}
}

func TestExcelSourceRejectsGarbage(t *testing.T) {
	_, err := NewExcelSource(strings.NewReader("not a workbook")).Rows(context.Background())
	if !errors.Is(err, domain.ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput, got %v", err)
	}
}

func TestExcelSourceRequiresHeader(t *testing.T) {
	buffer := buildWorkbook(t, nil)

	_, err := NewExcelSource(buffer).Rows(context.Background())
	if !errors.Is(err, domain.ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput for missing header, got %v", err)
	}
}
