package model

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// RecordLocation tells the normalizer where records live in a response body.
type RecordLocation string

const (
	// RecordsAuto uses data.diff when present, otherwise data as a single record.
	RecordsAuto RecordLocation = "auto"
	// RecordsList reads the record list at data.diff.
	RecordsList RecordLocation = "list"
	// RecordsSingle treats data as one record.
	RecordsSingle RecordLocation = "single"
)

// Parameter names understood by the paginated quote APIs.
const (
	ParamPage     = "pn"
	ParamPageSize = "pz"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultCallbackParam  = "cb"
	defaultCallbackPrefix = "jQuery"
)

// DefaultKeyAliases are the field names tried, in order, for the instrument code.
func DefaultKeyAliases() []string { return []string{"f12", "f57"} }

// DefaultNameAliases are the field names tried, in order, for the display name.
func DefaultNameAliases() []string { return []string{"f14", "f58"} }

// QuoteFields maps quote attributes to upstream field names for the
// formatted quote view.
type QuoteFields struct {
	Price         string `yaml:"price" json:"price" mapstructure:"price"`
	Change        string `yaml:"change" json:"change" mapstructure:"change"`
	ChangePercent string `yaml:"change_percent" json:"change_percent" mapstructure:"change_percent"`
	Volume        string `yaml:"volume" json:"volume" mapstructure:"volume"`
	Turnover      string `yaml:"turnover" json:"turnover" mapstructure:"turnover"`
}

// WithDefaults fills unset fields with the list-endpoint field names.
func (q QuoteFields) WithDefaults() QuoteFields {
	if q.Price == "" {
		q.Price = "f2"
	}
	if q.ChangePercent == "" {
		q.ChangePercent = "f3"
	}
	if q.Change == "" {
		q.Change = "f4"
	}
	if q.Volume == "" {
		q.Volume = "f5"
	}
	if q.Turnover == "" {
		q.Turnover = "f6"
	}
	return q
}

// APIDescriptor describes one upstream quote endpoint.
type APIDescriptor struct {
	Name           string            `yaml:"name" json:"name" mapstructure:"name"`
	Description    string            `yaml:"description" json:"description,omitempty" mapstructure:"description"`
	URL            string            `yaml:"url" json:"url" mapstructure:"url"`
	Method         string            `yaml:"method" json:"method" mapstructure:"method"`
	Headers        map[string]string `yaml:"headers" json:"headers,omitempty" mapstructure:"headers"`
	Params         map[string]any    `yaml:"params" json:"params,omitempty" mapstructure:"params"`
	TimeoutMs      int               `yaml:"timeout_ms" json:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
	Cron           string            `yaml:"cron" json:"cron,omitempty" mapstructure:"cron"`
	JSONP          bool              `yaml:"jsonp" json:"jsonp" mapstructure:"jsonp"`
	CallbackParam  string            `yaml:"callback_param" json:"callback_param,omitempty" mapstructure:"callback_param"`
	CallbackPrefix string            `yaml:"callback_prefix" json:"callback_prefix,omitempty" mapstructure:"callback_prefix"`
	Records        RecordLocation    `yaml:"records" json:"records,omitempty" mapstructure:"records"`
	KeyAliases     []string          `yaml:"key_aliases" json:"key_aliases,omitempty" mapstructure:"key_aliases"`
	NameAliases    []string          `yaml:"name_aliases" json:"name_aliases,omitempty" mapstructure:"name_aliases"`
	Charset        string            `yaml:"charset" json:"charset,omitempty" mapstructure:"charset"`
	Quote          QuoteFields       `yaml:"quote" json:"quote" mapstructure:"quote"`
}

// Validate checks that the descriptor can be fetched and its name is safe to
// use inside a file name.
func (d APIDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return eris.New("api descriptor: name is required")
	}
	if !SafeFileComponent(d.Name) {
		return eris.Errorf("api descriptor %q: name is not a valid file name component", d.Name)
	}
	if strings.TrimSpace(d.URL) == "" {
		return eris.Errorf("api descriptor %q: url is required", d.Name)
	}
	switch d.Records {
	case "", RecordsAuto, RecordsList, RecordsSingle:
	default:
		return eris.Errorf("api descriptor %q: unknown records location %q", d.Name, d.Records)
	}
	return nil
}

// Clone returns a deep copy so per-request mutation never leaks into the
// shared descriptor.
func (d APIDescriptor) Clone() APIDescriptor {
	c := d
	c.Headers = maps.Clone(d.Headers)
	c.Params = maps.Clone(d.Params)
	if c.Params == nil {
		c.Params = make(map[string]any)
	}
	c.KeyAliases = append([]string(nil), d.KeyAliases...)
	c.NameAliases = append([]string(nil), d.NameAliases...)
	return c
}

// HTTPMethod returns the request method, GET when unset.
func (d APIDescriptor) HTTPMethod() string {
	if d.Method == "" {
		return "GET"
	}
	return strings.ToUpper(d.Method)
}

// Timeout returns the per-request timeout.
func (d APIDescriptor) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return defaultTimeout
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Callback returns the callback parameter name and token prefix for JSONP APIs.
func (d APIDescriptor) Callback() (param, prefix string) {
	param, prefix = d.CallbackParam, d.CallbackPrefix
	if param == "" {
		param = defaultCallbackParam
	}
	if prefix == "" {
		prefix = defaultCallbackPrefix
	}
	return param, prefix
}

// RecordMode returns where records are located, RecordsAuto when unset.
func (d APIDescriptor) RecordMode() RecordLocation {
	if d.Records == "" {
		return RecordsAuto
	}
	return d.Records
}

// Keys returns the ordered key aliases.
func (d APIDescriptor) Keys() []string {
	if len(d.KeyAliases) == 0 {
		return DefaultKeyAliases()
	}
	return d.KeyAliases
}

// Names returns the ordered display-name aliases.
func (d APIDescriptor) Names() []string {
	if len(d.NameAliases) == 0 {
		return DefaultNameAliases()
	}
	return d.NameAliases
}

// PageSize reads params.pz, falling back to def when it is absent or not a
// positive integer.
func (d APIDescriptor) PageSize(def int) int {
	if n, ok := ParamInt(d.Params[ParamPageSize]); ok && n > 0 {
		return n
	}
	return def
}

// ParamInt converts a parameter value decoded from YAML, JSON or viper into an int.
func ParamInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// ParamString renders a parameter value as it appears in a query string.
func ParamString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case json.Number:
		return s.String()
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

// SafeFileComponent reports whether s can be embedded in a file name without
// escaping its directory.
func SafeFileComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`+"\x00")
}
