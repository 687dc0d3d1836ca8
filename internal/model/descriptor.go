package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidDescriptor is wrapped by every Descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid dataset descriptor")

// ConsolidatedSelector selects every variable in a dataset.
const ConsolidatedSelector = "consolidated"

// DefaultZarrVersion is the store format written when a descriptor does not name one.
const DefaultZarrVersion = 3

// ChunkSpec maps a dimension name to a chunk length.
type ChunkSpec map[string]int

// Validate checks that every chunk length is positive.
func (c ChunkSpec) Validate() error {
	for dim, n := range c {
		if dim == "" {
			return fmt.Errorf("%w: chunk spec has an empty dimension name", ErrInvalidDescriptor)
		}
		if n <= 0 {
			return fmt.Errorf("%w: chunk length for %q must be positive, got %d", ErrInvalidDescriptor, dim, n)
		}
	}
	return nil
}

// Attributes is the provenance metadata attached to a stored object.
// Values must be JSON-compatible (string, number, bool, []any, map[string]any).
type Attributes map[string]any

// Clone returns a deep copy so callers never share nested slices or maps.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Attributes:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []float64:
		return append([]float64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Selector names which variables of a dataset are written.
type Selector string

// Names returns the explicitly selected variable names, or nil for the consolidated view.
func (s Selector) Names() []string {
	if s == "" || s == ConsolidatedSelector {
		return nil
	}
	var names []string
	for _, n := range strings.Split(string(s), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// TableSpec describes the layout of a delimited text source (CSV, tab separated, ASCII).
type TableSpec struct {
	// Delimiter is a single character; "whitespace" splits on runs of blanks. Defaults to ",".
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	// Columns names every column in order. year/month/day/hour columns form the time coordinate.
	Columns []string `yaml:"columns" json:"columns"`
	// Comment marks lines to ignore when they start with it.
	Comment string `yaml:"comment" json:"comment"`
	// SkipRows is the number of header lines to skip.
	SkipRows int `yaml:"skip_rows" json:"skip_rows"`
}

// Descriptor identifies one observational product synchronization job.
// It is built at job start and only read afterwards.
type Descriptor struct {
	Name        Dataset
	Sources     []string
	Bucket      string
	Prefix      string
	Chunks      ChunkSpec
	Variables   Selector
	AppendDim   string
	ZarrVersion int
	Mode        Mode

	Rename          map[string]string
	Drop            []string
	Mask            map[string]float64
	Table           *TableSpec
	Include         string
	Checksums       map[string]string
	VarsIndependent bool
	AllowPartial    bool

	attrs Attributes
}

// WithAttributes returns a copy of the descriptor carrying a private copy of
// attrs in the form they take once stored: numbers as float64, lists as
// []any and objects as map[string]any.
func (d Descriptor) WithAttributes(attrs Attributes) Descriptor {
	d.attrs = attrs.stored()
	return d
}

// stored round-trips a through JSON. Values JSON cannot carry are kept as a
// plain clone and rejected later by the writer.
func (a Attributes) stored() Attributes {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return a.Clone()
	}
	var out Attributes
	if err := json.Unmarshal(data, &out); err != nil {
		return a.Clone()
	}
	return out
}

// Attributes returns a copy of the provenance metadata.
func (d Descriptor) Attributes() Attributes {
	return d.attrs.Clone()
}

// Key returns the "bucket/prefix" identity of the destination object.
func (d Descriptor) Key() string {
	return d.Bucket + "/" + d.Prefix
}

// EffectiveZarrVersion returns ZarrVersion or the default when unset.
func (d Descriptor) EffectiveZarrVersion() int {
	if d.ZarrVersion == 0 {
		return DefaultZarrVersion
	}
	return d.ZarrVersion
}

// ForVariable derives the descriptor used when variables are written as independent objects.
func (d Descriptor) ForVariable(name string) Descriptor {
	v := d
	v.Prefix = path.Join(d.Prefix, name)
	v.Variables = Selector(name)
	v.VarsIndependent = false
	return v
}

// Validate checks the descriptor before any step runs.
func (d Descriptor) Validate() error {
	if err := d.Name.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if len(d.Sources) == 0 {
		return fmt.Errorf("%w: %s: at least one source location is required", ErrInvalidDescriptor, d.Name)
	}
	if d.Bucket == "" {
		return fmt.Errorf("%w: %s: bucket is required", ErrInvalidDescriptor, d.Name)
	}
	if strings.Trim(d.Prefix, "/") == "" {
		return fmt.Errorf("%w: %s: prefix is required", ErrInvalidDescriptor, d.Name)
	}
	if strings.HasPrefix(d.Prefix, "/") || strings.HasSuffix(d.Prefix, "/") {
		return fmt.Errorf("%w: %s: prefix %q must not start or end with /", ErrInvalidDescriptor, d.Name, d.Prefix)
	}
	if err := d.Chunks.Validate(); err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	if v := d.EffectiveZarrVersion(); v != 2 && v != 3 {
		return fmt.Errorf("%w: %s: zarr version must be 2 or 3, got %d", ErrInvalidDescriptor, d.Name, v)
	}
	if d.Mode != "" {
		if err := d.Mode.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, d.Name, err)
		}
	}
	if (d.Mode == ModeUpdate || d.Mode == ModeSync) && d.AppendDim == "" {
		return fmt.Errorf("%w: %s: mode %s requires an append dimension", ErrInvalidDescriptor, d.Name, d.Mode)
	}
	if d.Include != "" {
		if _, err := path.Match(d.Include, ""); err != nil {
			return fmt.Errorf("%w: %s: include pattern: %v", ErrInvalidDescriptor, d.Name, err)
		}
	}
	return nil
}
