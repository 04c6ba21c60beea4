package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDescriptorValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desc    APIDescriptor
		wantErr bool
	}{
		{"valid", APIDescriptor{Name: "stocks", URL: "https://example.com"}, false},
		{"missing name", APIDescriptor{URL: "https://example.com"}, true},
		{"path in name", APIDescriptor{Name: "../etc", URL: "https://example.com"}, true},
		{"missing url", APIDescriptor{Name: "stocks"}, true},
		{"bad records", APIDescriptor{Name: "stocks", URL: "u", Records: "tree"}, true},
		{"single records", APIDescriptor{Name: "stocks", URL: "u", Records: RecordsSingle}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.desc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDescriptorCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := APIDescriptor{
		Name:       "stocks",
		Headers:    map[string]string{"Referer": "https://quote.eastmoney.com/"},
		Params:     map[string]any{"pz": 20},
		KeyAliases: []string{"code"},
	}
	c := orig.Clone()
	c.Params["pn"] = 3
	c.Headers["X"] = "y"
	c.KeyAliases[0] = "other"

	assert.NotContains(t, orig.Params, "pn")
	assert.NotContains(t, orig.Headers, "X")
	assert.Equal(t, "code", orig.KeyAliases[0])
}

func TestDescriptorCloneNilParams(t *testing.T) {
	t.Parallel()

	c := APIDescriptor{Name: "x"}.Clone()
	assert.NotNil(t, c.Params)
}

func TestDescriptorDefaults(t *testing.T) {
	t.Parallel()

	d := APIDescriptor{}
	assert.Equal(t, "GET", d.HTTPMethod())
	assert.Equal(t, 10*time.Second, d.Timeout())
	assert.Equal(t, RecordsAuto, d.RecordMode())
	assert.Equal(t, []string{"f12", "f57"}, d.Keys())
	assert.Equal(t, []string{"f14", "f58"}, d.Names())
	param, prefix := d.Callback()
	assert.Equal(t, "cb", param)
	assert.Equal(t, "jQuery", prefix)

	d = APIDescriptor{Method: "post", TimeoutMs: 1500}
	assert.Equal(t, "POST", d.HTTPMethod())
	assert.Equal(t, 1500*time.Millisecond, d.Timeout())
}

func TestDescriptorPageSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pz   any
		want int
	}{
		{"absent", nil, 20},
		{"int", 50, 50},
		{"float", float64(100), 100},
		{"string", "30", 30},
		{"json number", json.Number("40"), 40},
		{"zero", 0, 20},
		{"garbage", "abc", 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := APIDescriptor{Params: map[string]any{}}
			if tt.pz != nil {
				d.Params[ParamPageSize] = tt.pz
			}
			assert.Equal(t, tt.want, d.PageSize(20))
		})
	}
}

func TestParamString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", ParamString("abc"))
	assert.Equal(t, "20", ParamString(20))
	assert.Equal(t, "1.5", ParamString(1.5))
	assert.Equal(t, "100", ParamString(float64(100)))
	assert.Equal(t, "true", ParamString(true))
	assert.Equal(t, "", ParamString(nil))
}

func TestQuoteFieldsDefaults(t *testing.T) {
	t.Parallel()

	q := QuoteFields{Price: "f43"}.WithDefaults()
	assert.Equal(t, "f43", q.Price)
	assert.Equal(t, "f3", q.ChangePercent)
	assert.Equal(t, "f4", q.Change)
	assert.Equal(t, "f5", q.Volume)
	assert.Equal(t, "f6", q.Turnover)
}

func TestSafeFileComponent(t *testing.T) {
	t.Parallel()

	assert.True(t, SafeFileComponent("600519"))
	assert.True(t, SafeFileComponent("BK0477"))
	assert.False(t, SafeFileComponent(""))
	assert.False(t, SafeFileComponent(".."))
	assert.False(t, SafeFileComponent("a/b"))
	assert.False(t, SafeFileComponent(`a\b`))
}
