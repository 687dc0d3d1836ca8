package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

const testCatalog = `
defaults:
  bucket: ocean-obs
  zarr_version: 3
  append_dim: time
  mode: sync
datasets:
  - name: HadISST
    sources: ["https://www.metoffice.gov.uk/hadobs/hadisst/data/"]
    include: "HadISST_*.zarr.zip"
    prefix: HadISST/HadISST_global_monthly
    chunks: {time: 60, lat: 180, lon: 360}
    rename: {latitude: lat, longitude: lon, sic: siconc}
    mask: {sst: -1000}
    attrs:
      description: Hadley Centre Sea Ice and Sea Surface Temperature data set
      doi: https://doi.org/10.1029/2002JD002670
      geographic_extent: [-180, 180, -90, 90]
  - name: OSNAP
    sources: ["/scratch/obs/OSNAP/osnap_moc.zarr"]
    prefix: OSNAP/moc_transports_2014_2020
    append_dim: ""
    mode: send
    bucket: npd-obs
    zarr_version: 2
  - name: SAMBA
    sources: ["/scratch/obs/SAMBA/raw_MOC_TotalAnomaly_and_constituents.asc"]
    prefix: SAMBA/moc_anomaly
    table:
      delimiter: "\t"
      columns: [year, month, day, hour, moc, moc_clinic]
`

func TestParseCatalog(t *testing.T) {
	descriptors, err := ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	if len(descriptors) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(descriptors))
	}

	had := descriptors[0]
	if had.Bucket != "ocean-obs" || had.AppendDim != "time" || had.ZarrVersion != 3 || had.Mode != model.ModeSync {
		t.Errorf("defaults not applied: %+v", had)
	}
	if had.Variables != model.ConsolidatedSelector {
		t.Errorf("Variables = %q, want consolidated", had.Variables)
	}
	if diff := cmp.Diff(model.ChunkSpec{"time": 60, "lat": 180, "lon": 360}, had.Chunks); diff != "" {
		t.Errorf("Chunks (-want +got):\n%s", diff)
	}
	if had.Mask["sst"] != -1000 {
		t.Errorf("Mask = %v", had.Mask)
	}
	if had.Attributes()["doi"] != "https://doi.org/10.1029/2002JD002670" {
		t.Errorf("attrs = %v", had.Attributes())
	}
	if diff := cmp.Diff([]any{-180.0, 180.0, -90.0, 90.0}, had.Attributes()["geographic_extent"]); diff != "" {
		t.Errorf("geographic_extent (-want +got):\n%s", diff)
	}

	osnap := descriptors[1]
	if osnap.AppendDim != "" {
		t.Errorf("explicit empty append_dim should override default, got %q", osnap.AppendDim)
	}
	if osnap.Bucket != "npd-obs" || osnap.ZarrVersion != 2 || osnap.Mode != model.ModeSend {
		t.Errorf("entry overrides not applied: %+v", osnap)
	}

	samba := descriptors[2]
	if samba.Table == nil || samba.Table.Delimiter != "\t" || len(samba.Table.Columns) != 6 {
		t.Errorf("table spec not decoded: %+v", samba.Table)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":          "datasets: []",
		"not yaml":       "datasets: [",
		"missing prefix": "datasets:\n  - name: A\n    bucket: b\n    sources: [x]\n",
		"duplicate name": "datasets:\n  - {name: A, bucket: b, prefix: p, sources: [x]}\n  - {name: A, bucket: b, prefix: q, sources: [x]}\n",
		"duplicate key":  "datasets:\n  - {name: A, bucket: b, prefix: p, sources: [x]}\n  - {name: B, bucket: b, prefix: p, sources: [x]}\n",
		"sync no append": "datasets:\n  - {name: A, bucket: b, prefix: p, sources: [x], mode: sync}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(content))
			if !errors.Is(err, ErrCatalogInvalid) {
				t.Fatalf("expected ErrCatalogInvalid, got %v", err)
			}
		})
	}
}

func TestLoadCatalog_NotFound(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "catalog.yaml"))
	if !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected ErrCatalogNotFound, got %v", err)
	}
}

func TestLoadCatalog_Example(t *testing.T) {
	descriptors, err := LoadCatalog(filepath.Join("..", "..", "configs", "catalog.example.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descriptors) != 4 {
		t.Fatalf("got %d descriptors, want 4", len(descriptors))
	}
	en4 := descriptors[2]
	if en4.Mode != "send" || !en4.VarsIndependent || !en4.AllowPartial {
		t.Errorf("EN4 descriptor = %+v", en4)
	}
	if descriptors[1].Table == nil || descriptors[1].Table.Comment != "%" {
		t.Errorf("SAMBA table = %+v", descriptors[1].Table)
	}
}
