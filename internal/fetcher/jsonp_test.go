package fetcher

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-monitor/internal/resilience"
)

func TestDecodeBody_JSONP(t *testing.T) {
	d, err := DecodeBody(`jQuery35103_1700000000000({"rc":0,"data":{"total":45,"diff":[{"f12":"600519"}]}});`)
	require.NoError(t, err)

	m, ok := d.Value.(map[string]any)
	require.True(t, ok)
	data := m["data"].(map[string]any)
	assert.Equal(t, json.Number("45"), data["total"])
	assert.Equal(t, `{"rc":0,"data":{"total":45,"diff":[{"f12":"600519"}]}}`, d.Raw)
}

func TestDecodeBody_JSONPParensInsideStrings(t *testing.T) {
	d, err := DecodeBody(`cb({"name":"A (class) share"})`)
	require.NoError(t, err)
	assert.Equal(t, "A (class) share", d.Value.(map[string]any)["name"])
}

func TestDecodeBody_PlainJSON(t *testing.T) {
	d, err := DecodeBody("  {\"total\": 3}\n")
	require.NoError(t, err)
	assert.Equal(t, `{"total": 3}`, d.Raw)
	assert.Equal(t, json.Number("3"), d.Value.(map[string]any)["total"])
}

func TestDecodeBody_Opaque(t *testing.T) {
	d, err := DecodeBody("<html>blocked</html>")
	require.NoError(t, err)
	assert.Equal(t, "<html>blocked</html>", d.Value)
	assert.Empty(t, d.Raw)

	d, err = DecodeBody("hello (world)")
	require.NoError(t, err)
	assert.Equal(t, "hello (world)", d.Value)
}

func TestDecodeBody_MalformedJSONP(t *testing.T) {
	_, err := DecodeBody(`jQuery123({"data":`)
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))

	_, err = DecodeBody(`jQuery123({"data":1)`)
	require.Error(t, err)

	var de *resilience.DecodeError
	assert.True(t, errors.As(err, &de))
	assert.Contains(t, de.Snippet, "jQuery123")
}

func TestDecodeBody_NeverEvaluates(t *testing.T) {
	d, err := DecodeBody(`alert(1)`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), d.Value)
}

func TestUnwrapJSONP(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wrapped bool
		wantErr bool
	}{
		{`cb({"a":1})`, `{"a":1}`, true, false},
		{`jQuery.cb_1({"a":1});`, `{"a":1}`, true, false},
		{`$cb ( [1,2] )`, "", false, false},
		{`({"a":1})`, "", false, false},
		{`1cb({})`, "", false, false},
		{`{"a":"cb(x)"}`, "", false, false},
		{`cb({}) trailing`, "", true, true},
		{`jQuery123({"data":`, "", true, true},
		{`jQuery123_456({"data":{"total":1}}`, "", true, true},
		{`cb(`, "", true, true},
	}
	for _, tt := range tests {
		got, wrapped, err := unwrapJSONP(tt.in)
		assert.Equal(t, tt.wrapped, wrapped, tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDecodeBody_TruncatedJSONP(t *testing.T) {
	for _, body := range []string{
		`jQuery123({"data":`,
		`jQuery123_456({"data":{"total":45,"diff":[]}}`,
		`jQuery123_456({"data":{"total":45}}) <!-- cached -->`,
	} {
		d, err := DecodeBody(body)
		require.Error(t, err, body)
		assert.Nil(t, d.Value, body)
		assert.Empty(t, d.Raw, body)

		var de *resilience.DecodeError
		require.True(t, errors.As(err, &de), body)
		assert.True(t, resilience.IsRetryable(err), body)
	}
}

func TestExtractPagination(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"data total", `{"data":{"total":5321}}`, 5321},
		{"top total", `{"total":88}`, 88},
		{"string total", `{"data":{"total":"120"}}`, 120},
		{"data wins", `{"total":1,"data":{"total":2}}`, 2},
		{"missing", `{"data":{"diff":[]}}`, 0},
		{"null data", `{"data":null}`, 0},
		{"garbage total", `{"data":{"total":"n/a"}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ExtractPagination(tt.raw, 20)
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.Total)
			assert.Equal(t, 20, p.PageSize)
		})
	}

	assert.Nil(t, ExtractPagination("", 20))
}
