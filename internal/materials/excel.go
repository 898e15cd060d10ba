package materials

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
)

const itemsHeaderGap = 2

// BuildWorkbook renders the request as an xlsx attachment: a header block
// with the request number and the object's attributes, then one row per
// position.
func BuildWorkbook(req Request) ([]byte, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("request %s has no positions", req.RequestID)
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	row := 1
	setPair(f, sheet, row, "Request", req.Number)
	row++
	setPair(f, sheet, row, "Date", req.Date.Format("02.01.2006"))
	row++
	setPair(f, sheet, row, "Requested by", req.Requester)
	row++
	setPair(f, sheet, row, "Object", fmt.Sprintf("%d", req.Object.ObjectID))
	row++

	for _, key := range sortedKeys(req.Object.Attrs) {
		setPair(f, sheet, row, key, req.Object.Attrs[key])
		row++
	}

	row += itemsHeaderGap
	headers := []string{"No", "Name", "Type / mark", "Qty", "Unit"}
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return nil, fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for _, line := range req.Lines {
		row++
		values := []interface{}{line.No, line.Name, line.TypeMark, line.Qty, line.Unit}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, fmt.Errorf("position cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return nil, fmt.Errorf("write position %d: %w", line.No, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}

	return buf.Bytes(), nil
}

// FileName renders the attachment name, for example
// request_12_2026-08-26_3.xlsx.
func FileName(req Request) string {
	return fmt.Sprintf("request_%d_%s_%d.xlsx",
		req.Object.ObjectID,
		req.Date.Format(time.DateOnly),
		req.Counter,
	)
}

func setPair(f *excelize.File, sheet string, row int, key, value string) {
	_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), key)
	_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), value)
}

func sortedKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
