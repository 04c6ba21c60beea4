// Package normalize turns decoded quote pages into canonical rows with a
// stable column order.
package normalize

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/resilience"
)

// Field is one key/value pair of an upstream record, in document order.
type Field struct {
	Key   string
	Value string
}

// Record is an upstream record with its fields in document order.
type Record []Field

// Get returns the value of key and whether it is present.
func (r Record) Get(key string) (string, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// ErrNotObject is returned when the record container is not an object or array.
var ErrNotObject = eris.New("normalize: records are not objects")

// ExtractRecords locates the records in a raw JSON page body according to
// mode. Records that are not JSON objects are skipped.
func ExtractRecords(raw string, mode model.RecordLocation) ([]Record, error) {
	if raw == "" || !gjson.Valid(raw) {
		return nil, eris.New("normalize: page body is not JSON")
	}

	diff := gjson.Get(raw, "data.diff")
	data := gjson.Get(raw, "data")

	switch mode {
	case model.RecordsList:
		return fromList(diff)
	case model.RecordsSingle:
		return fromSingle(data)
	default:
		if diff.Exists() {
			return fromList(diff)
		}
		return fromSingle(data)
	}
}

func fromList(res gjson.Result) ([]Record, error) {
	switch {
	case !res.Exists() || res.Type == gjson.Null:
		return nil, nil
	case res.IsArray():
		var out []Record
		res.ForEach(func(_, v gjson.Result) bool {
			if v.IsObject() {
				out = append(out, toRecord(v))
			}
			return true
		})
		return out, nil
	case res.IsObject():
		// Some endpoints key the list by position: {"0":{...},"1":{...}}.
		type indexed struct {
			idx int
			rec Record
		}
		var items []indexed
		res.ForEach(func(k, v gjson.Result) bool {
			if !v.IsObject() {
				return true
			}
			idx, err := strconv.Atoi(k.String())
			if err != nil {
				idx = len(items)
			}
			items = append(items, indexed{idx: idx, rec: toRecord(v)})
			return true
		})
		sort.SliceStable(items, func(i, j int) bool { return items[i].idx < items[j].idx })
		out := make([]Record, len(items))
		for i, it := range items {
			out[i] = it.rec
		}
		return out, nil
	}
	return nil, ErrNotObject
}

func fromSingle(res gjson.Result) ([]Record, error) {
	if !res.Exists() || res.Type == gjson.Null {
		return nil, nil
	}
	if !res.IsObject() {
		return nil, ErrNotObject
	}
	return []Record{toRecord(res)}, nil
}

func toRecord(obj gjson.Result) Record {
	var rec Record
	obj.ForEach(func(k, v gjson.Result) bool {
		rec = append(rec, Field{Key: k.String(), Value: scalar(v)})
		return true
	})
	return rec
}

// scalar renders a JSON value as it should appear in a CSV cell. Numbers
// keep their source text, null becomes empty, nested values stay JSON.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.String()
	case gjson.Number:
		return strings.TrimSpace(v.Raw)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	default:
		return v.Raw
	}
}

// ResolveMapping picks the first key alias and the first name alias present
// in rec. The key is required; the name may be empty.
func ResolveMapping(rec Record, keyAliases, nameAliases []string) (model.FieldMapping, bool) {
	var m model.FieldMapping
	for _, k := range keyAliases {
		if _, ok := rec.Get(k); ok {
			m.PrimaryKey = k
			break
		}
	}
	if m.PrimaryKey == "" {
		return m, false
	}
	for _, n := range nameAliases {
		if n == m.PrimaryKey {
			continue
		}
		if _, ok := rec.Get(n); ok {
			m.DisplayName = n
			break
		}
	}
	return m, true
}

// Normalizer converts records into canonical rows.
type Normalizer struct{}

// New creates a Normalizer.
func New() *Normalizer { return &Normalizer{} }

// Normalize maps records onto a schema resolved once for the batch from the
// first record that carries a key alias. Columns are date, primary key,
// display name, then the first record's remaining fields in document order.
// Records that cannot be mapped are dropped and reported as SchemaErrors;
// the rest of the batch is unaffected.
func (n *Normalizer) Normalize(records []Record, rowDate string, keyAliases, nameAliases []string) (model.Batch, []error) {
	var errs []error
	if len(records) == 0 {
		return model.Batch{}, nil
	}

	mapping, first := model.FieldMapping{}, -1
	for i, rec := range records {
		if m, ok := ResolveMapping(rec, keyAliases, nameAliases); ok {
			mapping, first = m, i
			break
		}
	}
	if first < 0 {
		for i := range records {
			errs = append(errs, &resilience.SchemaError{
				Index:  i,
				Reason: "no key field among " + strings.Join(keyAliases, ", "),
			})
		}
		return model.Batch{}, errs
	}

	schema := buildSchema(records[first], mapping)
	batch := model.Batch{Schema: schema}

	for i, rec := range records {
		key, ok := rec.Get(mapping.PrimaryKey)
		switch {
		case !ok:
			errs = append(errs, &resilience.SchemaError{Index: i, Field: mapping.PrimaryKey, Reason: "missing"})
			continue
		case strings.TrimSpace(key) == "":
			errs = append(errs, &resilience.SchemaError{Index: i, Field: mapping.PrimaryKey, Reason: "empty"})
			continue
		case !model.SafeFileComponent(key):
			errs = append(errs, &resilience.SchemaError{Index: i, Field: mapping.PrimaryKey, Reason: "not usable as a file name: " + key})
			continue
		}

		values := make([]string, len(schema.Columns))
		values[0] = rowDate
		for c := 1; c < len(schema.Columns); c++ {
			values[c], _ = rec.Get(schema.Columns[c])
		}
		var name string
		if mapping.DisplayName != "" {
			name, _ = rec.Get(mapping.DisplayName)
		}
		batch.Rows = append(batch.Rows, model.CanonicalRow{
			Date:   rowDate,
			Key:    key,
			Name:   name,
			Values: values,
		})
	}

	return batch, errs
}

func buildSchema(first Record, m model.FieldMapping) model.Schema {
	cols := []string{model.DateColumn, m.PrimaryKey}
	if m.DisplayName != "" {
		cols = append(cols, m.DisplayName)
	}
	for _, f := range first {
		if f.Key == m.PrimaryKey || f.Key == m.DisplayName || f.Key == model.DateColumn {
			continue
		}
		cols = append(cols, f.Key)
	}
	return model.Schema{Mapping: m, Columns: cols}
}
