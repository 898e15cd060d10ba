// Package materials turns a free-text materials list into a numbered request,
// renders it as a workbook, and mails it to the configured recipient.
package materials

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxLines bounds the positions accepted per request; extra lines are counted
// as skipped rather than failing the request.
const MaxLines = 25

var qtyPattern = regexp.MustCompile(`^(\d+(?:[.,]\d+)?)\s+(.+)$`)

// Line is one parsed request position.
type Line struct {
	No       int
	Name     string
	TypeMark string
	Qty      float64
	Unit     string
}

// ParseResult carries the accepted positions alongside per-line errors.
// A line failing to parse never fails its siblings.
type ParseResult struct {
	Lines   []Line
	Errors  []string
	Skipped int
}

// ParseLines reads one position per line in the form
//
//	name, qty unit
//	name, type or mark, qty unit
//
// Command lines and blank lines are ignored. The decimal separator may be a
// comma or a dot.
func ParseLines(text string) ParseResult {
	var result ParseResult

	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "/") {
			continue
		}
		if len(result.Lines) >= MaxLines {
			result.Skipped++
			continue
		}

		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 2 {
			result.Errors = append(result.Errors, fmt.Sprintf("missing comma separator: %q", clip(raw, 50)))
			continue
		}

		name := parts[0]
		qtyUnit := parts[len(parts)-1]
		typeMark := strings.Join(parts[1:len(parts)-1], ", ")

		m := qtyPattern.FindStringSubmatch(qtyUnit)
		if m == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("expected quantity and unit: %q", clip(qtyUnit, 40)))
			continue
		}

		qty, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err != nil || qty <= 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("quantity must be a positive number: %q", m[1]))
			continue
		}

		result.Lines = append(result.Lines, Line{
			No:       len(result.Lines) + 1,
			Name:     name,
			TypeMark: typeMark,
			Qty:      qty,
			Unit:     strings.TrimSuffix(m[2], "."),
		})
	}

	return result
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
