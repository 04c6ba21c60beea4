//go:build !integration

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/quote-monitor/internal/csvstore"
)

func TestFormatCollapse(t *testing.T) {
	results := []csvstore.CollapseResult{
		{Key: "600000", Before: 5, After: 3, Removed: 2},
		{Key: "000001", Before: 4, After: 4},
	}

	var buf bytes.Buffer
	formatCollapse(&buf, results)

	output := buf.String()
	assert.Contains(t, output, "600000")
	assert.NotContains(t, output, "000001")
	assert.Contains(t, output, "2 files checked, 1 cleaned, 2 rows removed")
}

func TestFormatTable(t *testing.T) {
	header := []string{"date", "f2", "f3"}
	rows := []map[string]string{
		{"date": "2025-06-15", "f2": "10.5", "f3": "1.2"},
		{"date": "2025-06-14", "f2": "10.3"},
	}

	var buf bytes.Buffer
	formatTable(&buf, header, rows)

	output := buf.String()
	assert.Contains(t, output, "DATE")
	assert.Contains(t, output, "2025-06-15")
	assert.Contains(t, output, "10.3")
}
