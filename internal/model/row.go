package model

// DateColumn is the reserved first column of every persisted row.
const DateColumn = "date"

// FieldMapping names the upstream fields that hold the instrument code and
// display name for a batch.
type FieldMapping struct {
	PrimaryKey  string `json:"primaryKey"`
	DisplayName string `json:"displayName"`
}

// Schema is the ordered column list of a batch: date, primary key, display
// name, then the remaining upstream fields.
type Schema struct {
	Mapping FieldMapping
	Columns []string
}

// Index returns the position of col in the schema, or -1.
func (s Schema) Index(col string) int {
	for i, c := range s.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// CanonicalRow is one normalized record. Values is aligned with the batch
// schema's Columns, so Values[0] is always Date.
type CanonicalRow struct {
	Date   string
	Key    string
	Name   string
	Values []string
}

// Batch is the normalized output of one page.
type Batch struct {
	Schema Schema
	Rows   []CanonicalRow
}

// Len returns the number of rows.
func (b Batch) Len() int { return len(b.Rows) }
