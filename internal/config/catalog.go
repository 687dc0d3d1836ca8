package config

import (
	"errors"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"

	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

var ErrCatalogNotFound = errors.New("catalog file is not found")
var ErrCatalogInvalid = errors.New("catalog is invalid")

// Catalog is the declarative table of datasets to synchronize.
type Catalog struct {
	Defaults CatalogDefaults `yaml:"defaults"`
	Datasets []CatalogEntry  `yaml:"datasets"`
}

// CatalogDefaults are applied to every entry that leaves the field empty.
type CatalogDefaults struct {
	Bucket      string `yaml:"bucket"`
	Variables   string `yaml:"variables"`
	AppendDim   string `yaml:"append_dim"`
	ZarrVersion int    `yaml:"zarr_version"`
	Mode        string `yaml:"mode"`
}

// CatalogEntry is one dataset row of the catalog.
type CatalogEntry struct {
	Name            string             `yaml:"name"`
	Sources         []string           `yaml:"sources"`
	Bucket          string             `yaml:"bucket"`
	Prefix          string             `yaml:"prefix"`
	Chunks          map[string]int     `yaml:"chunks"`
	Variables       string             `yaml:"variables"`
	AppendDim       *string            `yaml:"append_dim"`
	ZarrVersion     int                `yaml:"zarr_version"`
	Mode            string             `yaml:"mode"`
	Attrs           map[string]any     `yaml:"attrs"`
	Rename          map[string]string  `yaml:"rename"`
	Drop            []string           `yaml:"drop"`
	Mask            map[string]float64 `yaml:"mask"`
	Table           *model.TableSpec   `yaml:"table"`
	Include         string             `yaml:"include"`
	Checksums       map[string]string  `yaml:"checksums"`
	VarsIndependent bool               `yaml:"vars_independent"`
	AllowPartial    bool               `yaml:"allow_partial"`
}

// LoadCatalog reads a catalog file and returns validated descriptors in file order.
func LoadCatalog(path string) ([]model.Descriptor, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrCatalogNotFound, path)
		}
		return nil, err
	}
	return ParseCatalog(buf)
}

// ParseCatalog decodes catalog YAML into descriptors.
func ParseCatalog(buf []byte) ([]model.Descriptor, error) {
	var cat Catalog
	if err := yaml.Unmarshal(buf, &cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogInvalid, err)
	}
	if len(cat.Datasets) == 0 {
		return nil, fmt.Errorf("%w: no datasets", ErrCatalogInvalid)
	}

	seenNames := map[string]bool{}
	seenKeys := map[string]string{}
	descriptors := make([]model.Descriptor, 0, len(cat.Datasets))
	for i, e := range cat.Datasets {
		d := e.descriptor(cat.Defaults)
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCatalogInvalid, i, err)
		}
		if seenNames[e.Name] {
			return nil, fmt.Errorf("%w: duplicate dataset name %q", ErrCatalogInvalid, e.Name)
		}
		seenNames[e.Name] = true
		if other, ok := seenKeys[d.Key()]; ok {
			return nil, fmt.Errorf("%w: datasets %q and %q both write %s", ErrCatalogInvalid, other, e.Name, d.Key())
		}
		seenKeys[d.Key()] = e.Name
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func (e CatalogEntry) descriptor(def CatalogDefaults) model.Descriptor {
	d := model.Descriptor{
		Name:            model.Dataset(e.Name),
		Sources:         e.Sources,
		Bucket:          firstNonEmpty(e.Bucket, def.Bucket),
		Prefix:          e.Prefix,
		Chunks:          model.ChunkSpec(e.Chunks),
		Variables:       model.Selector(firstNonEmpty(e.Variables, def.Variables, model.ConsolidatedSelector)),
		AppendDim:       def.AppendDim,
		ZarrVersion:     e.ZarrVersion,
		Mode:            model.Mode(firstNonEmpty(e.Mode, def.Mode)),
		Rename:          e.Rename,
		Drop:            e.Drop,
		Mask:            e.Mask,
		Table:           e.Table,
		Include:         e.Include,
		Checksums:       e.Checksums,
		VarsIndependent: e.VarsIndependent,
		AllowPartial:    e.AllowPartial,
	}
	// An explicit empty append_dim opts a dataset out of the default.
	if e.AppendDim != nil {
		d.AppendDim = *e.AppendDim
	}
	if d.ZarrVersion == 0 {
		d.ZarrVersion = def.ZarrVersion
	}
	return d.WithAttributes(model.Attributes(e.Attrs))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
