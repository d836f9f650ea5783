// Package markdown locates GitHub-flavored markdown tables inside
// freeform text, for compaction.compressTables to collapse a wide table
// into a shorter run of bullet-like lines during L1/L2 summarization.
package markdown

import (
	"regexp"
	"strings"
)

// Table is a parsed markdown table and the span of text it occupied.
type Table struct {
	Headers []string
	Rows    [][]string
	// Raw is the original table text.
	Raw string
	// StartIndex and EndIndex bound Raw within the text FindTables was
	// called on.
	StartIndex int
	EndIndex   int
}

var tableRowRegex = regexp.MustCompile(`^\s*\|(.+)\|\s*$`)
var separatorRegex = regexp.MustCompile(`^\s*\|[\s\-:|]+\|\s*$`)

// FindTables returns every markdown table in text, in document order.
func FindTables(text string) []Table {
	var tables []Table
	lines := strings.Split(text, "\n")

	i := 0
	for i < len(lines) {
		if tableRowRegex.MatchString(lines[i]) {
			table, endLine := parseTable(lines, i)
			if table != nil {
				raw := strings.Join(lines[i:endLine], "\n")

				startIdx := 0
				for j := 0; j < i; j++ {
					startIdx += len(lines[j]) + 1
				}
				endIdx := startIdx + len(raw)
				if endIdx > len(text) {
					endIdx = len(text)
				}

				table.StartIndex = startIdx
				table.EndIndex = endIdx
				table.Raw = raw
				tables = append(tables, *table)
				i = endLine
				continue
			}
		}
		i++
	}

	return tables
}

// HasTables reports whether text contains at least one markdown table.
func HasTables(text string) bool {
	return len(FindTables(text)) > 0
}

// parseTable attempts to parse a markdown table starting at lineIdx,
// returning the table and the line index immediately after it, or nil if
// lineIdx isn't the start of a valid table (header + separator + >=1 row).
func parseTable(lines []string, lineIdx int) (*Table, int) {
	if lineIdx >= len(lines) {
		return nil, lineIdx
	}

	headers := parseCells(lines[lineIdx])
	if len(headers) == 0 {
		return nil, lineIdx
	}

	if lineIdx+1 >= len(lines) || !separatorRegex.MatchString(lines[lineIdx+1]) {
		return nil, lineIdx
	}

	table := &Table{Headers: headers}

	endLine := lineIdx + 2
	for endLine < len(lines) {
		if !tableRowRegex.MatchString(lines[endLine]) {
			break
		}
		cells := parseCells(lines[endLine])
		for len(cells) < len(headers) {
			cells = append(cells, "")
		}
		table.Rows = append(table.Rows, cells)
		endLine++
	}

	if len(table.Rows) == 0 {
		return nil, lineIdx
	}

	return table, endLine
}

// parseCells splits a "| a | b | c |" row into its trimmed cell values.
func parseCells(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	row = strings.TrimSuffix(row, "|")

	parts := strings.Split(row, "|")
	cells := make([]string, 0, len(parts))
	for _, part := range parts {
		cells = append(cells, strings.TrimSpace(part))
	}
	return cells
}
