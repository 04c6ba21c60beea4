package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/resilience"
)

var (
	keys  = model.DefaultKeyAliases()
	names = model.DefaultNameAliases()
)

func TestExtractRecords_ListKeepsDocumentOrder(t *testing.T) {
	raw := `{"data":{"total":2,"diff":[{"f2":1705.5,"f12":"600519","f14":"贵州茅台","f3":-0.52},{"f12":"000001","f14":"平安银行","f2":10.2,"f3":1}]}}`
	recs, err := ExtractRecords(raw, model.RecordsAuto)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	keysOf := func(r Record) []string {
		var out []string
		for _, f := range r {
			out = append(out, f.Key)
		}
		return out
	}
	assert.Equal(t, []string{"f2", "f12", "f14", "f3"}, keysOf(recs[0]))
	v, _ := recs[0].Get("f2")
	assert.Equal(t, "1705.5", v)
}

func TestExtractRecords_IndexedObject(t *testing.T) {
	raw := `{"data":{"diff":{"1":{"f12":"B"},"0":{"f12":"A"},"10":{"f12":"C"},"2":{"f12":"D"}}}}`
	recs, err := ExtractRecords(raw, model.RecordsList)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	var got []string
	for _, r := range recs {
		v, _ := r.Get("f12")
		got = append(got, v)
	}
	assert.Equal(t, []string{"A", "B", "D", "C"}, got)
}

func TestExtractRecords_Single(t *testing.T) {
	raw := `{"data":{"f57":"600519","f58":"贵州茅台","f43":170550}}`
	recs, err := ExtractRecords(raw, model.RecordsAuto)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	v, ok := recs[0].Get("f57")
	assert.True(t, ok)
	assert.Equal(t, "600519", v)

	recs, err = ExtractRecords(raw, model.RecordsSingle)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestExtractRecords_Empty(t *testing.T) {
	for _, raw := range []string{`{"data":null}`, `{"data":{"diff":[]}}`, `{"rc":0}`} {
		recs, err := ExtractRecords(raw, model.RecordsAuto)
		require.NoError(t, err, raw)
		assert.Empty(t, recs, raw)
	}
}

func TestExtractRecords_Errors(t *testing.T) {
	_, err := ExtractRecords("", model.RecordsAuto)
	assert.Error(t, err)
	_, err = ExtractRecords("not json", model.RecordsAuto)
	assert.Error(t, err)
	_, err = ExtractRecords(`{"data":"text"}`, model.RecordsSingle)
	assert.ErrorIs(t, err, ErrNotObject)
	_, err = ExtractRecords(`{"data":{"diff":"text"}}`, model.RecordsList)
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestExtractRecords_ScalarRendering(t *testing.T) {
	raw := `{"data":{"diff":[{"f12":"X","n":null,"b":true,"e":1e3,"o":{"a":1},"s":"-"}]}}`
	recs, err := ExtractRecords(raw, model.RecordsAuto)
	require.NoError(t, err)
	r := recs[0]
	for k, want := range map[string]string{"n": "", "b": "true", "e": "1e3", "o": `{"a":1}`, "s": "-"} {
		got, ok := r.Get(k)
		assert.True(t, ok, k)
		assert.Equal(t, want, got, k)
	}
}

func TestNormalize_ColumnOrder(t *testing.T) {
	recs := []Record{
		{{"f2", "1705.5"}, {"f12", "600519"}, {"f14", "贵州茅台"}, {"f3", "-0.52"}},
		{{"f12", "000001"}, {"f3", "1"}, {"f14", "平安银行"}, {"f2", "10.2"}, {"f99", "ignored"}},
	}
	batch, errs := New().Normalize(recs, "20240102", keys, names)
	assert.Empty(t, errs)

	assert.Equal(t, []string{"date", "f12", "f14", "f2", "f3"}, batch.Schema.Columns)
	assert.Equal(t, model.FieldMapping{PrimaryKey: "f12", DisplayName: "f14"}, batch.Schema.Mapping)
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, []string{"20240102", "600519", "贵州茅台", "1705.5", "-0.52"}, batch.Rows[0].Values)
	assert.Equal(t, []string{"20240102", "000001", "平安银行", "10.2", "1"}, batch.Rows[1].Values)
	assert.Equal(t, "600519", batch.Rows[0].Key)
	assert.Equal(t, "贵州茅台", batch.Rows[0].Name)
	assert.Equal(t, "20240102", batch.Rows[1].Date)
}

func TestNormalize_SecondaryAliases(t *testing.T) {
	recs := []Record{{{"f43", "170550"}, {"f57", "600519"}, {"f58", "贵州茅台"}}}
	batch, errs := New().Normalize(recs, "20240102", keys, names)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"date", "f57", "f58", "f43"}, batch.Schema.Columns)
}

func TestNormalize_MissingNameIsAllowed(t *testing.T) {
	recs := []Record{{{"f12", "600519"}, {"f2", "1"}}}
	batch, errs := New().Normalize(recs, "20240102", keys, names)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"date", "f12", "f2"}, batch.Schema.Columns)
	assert.Equal(t, "", batch.Rows[0].Name)
}

func TestNormalize_DropsBadRecordsOnly(t *testing.T) {
	recs := []Record{
		{{"f12", "600519"}, {"f14", "A"}},
		{{"f14", "no key"}},
		{{"f12", ""}, {"f14", "empty key"}},
		{{"f12", "../x"}, {"f14", "unsafe"}},
		{{"f12", "000001"}, {"f14", "B"}},
	}
	batch, errs := New().Normalize(recs, "20240102", keys, names)
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, "600519", batch.Rows[0].Key)
	assert.Equal(t, "000001", batch.Rows[1].Key)

	require.Len(t, errs, 3)
	var se *resilience.SchemaError
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, "missing", se.Reason)
}

func TestNormalize_MappingFromFirstUsableRecord(t *testing.T) {
	recs := []Record{
		{{"msg", "header row"}},
		{{"f12", "600519"}, {"f14", "A"}, {"f2", "1"}},
	}
	batch, errs := New().Normalize(recs, "20240102", keys, names)
	require.Len(t, errs, 1)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, []string{"date", "f12", "f14", "f2"}, batch.Schema.Columns)
}

func TestNormalize_NoKeyAnywhere(t *testing.T) {
	recs := []Record{{{"a", "1"}}, {{"b", "2"}}}
	batch, errs := New().Normalize(recs, "20240102", keys, names)
	assert.Len(t, errs, 2)
	assert.Zero(t, batch.Len())
}

func TestNormalize_UpstreamDateColumnIsNotDuplicated(t *testing.T) {
	recs := []Record{{{"date", "upstream"}, {"f12", "X"}, {"f2", "1"}}}
	batch, _ := New().Normalize(recs, "20240102", keys, names)
	assert.Equal(t, []string{"date", "f12", "f2"}, batch.Schema.Columns)
	assert.Equal(t, "20240102", batch.Rows[0].Values[0])
}

func TestNormalize_Empty(t *testing.T) {
	batch, errs := New().Normalize(nil, "20240102", keys, names)
	assert.Nil(t, errs)
	assert.Zero(t, batch.Len())
}

func TestResolveMapping_CustomAliases(t *testing.T) {
	rec := Record{{"code", "AAPL"}, {"title", "Apple"}}
	m, ok := ResolveMapping(rec, []string{"symbol", "code"}, []string{"title"})
	require.True(t, ok)
	assert.Equal(t, "code", m.PrimaryKey)
	assert.Equal(t, "title", m.DisplayName)

	_, ok = ResolveMapping(rec, []string{"symbol"}, nil)
	assert.False(t, ok)
}
