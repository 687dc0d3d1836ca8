package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kacper-wojtaszczyk/obsync/internal/config"
)

func testBucketContract(t *testing.T, b Bucket) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if ok, err := b.Exists(ctx, "missing"); err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}

	objects := map[string]string{
		"HadISST/zarr.json":     `{"zarr_format":3}`,
		"HadISST/sst/zarr.json": `{"node_type":"array"}`,
		"HadISST/sst/c/0/0":     "chunk",
		"HadISST.2/zarr.json":   `{}`,
		"OSNAP/moc/c/0":         "other",
	}
	for k, v := range objects {
		if err := b.Put(ctx, k, []byte(v)); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}

	got, err := b.Get(ctx, "HadISST/sst/c/0/0")
	if err != nil || string(got) != "chunk" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	keys, err := b.List(ctx, "HadISST/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"HadISST/sst/c/0/0", "HadISST/sst/zarr.json", "HadISST/zarr.json"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	if err := b.Put(ctx, "HadISST/zarr.json", []byte("replaced")); err != nil {
		t.Fatalf("Put(overwrite) error = %v", err)
	}
	if got, _ := b.Get(ctx, "HadISST/zarr.json"); string(got) != "replaced" {
		t.Errorf("Get() after overwrite = %q", got)
	}

	if err := b.Delete(ctx, "HadISST/sst/c/0/0"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := b.Delete(ctx, "HadISST/sst/c/0/0"); err != nil {
		t.Fatalf("Delete() of absent key error = %v", err)
	}
	if ok, _ := b.Exists(ctx, "HadISST/sst/c/0/0"); ok {
		t.Error("Exists() after delete = true")
	}
}

func TestMemoryStore(t *testing.T) {
	testBucketContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	data := []byte("abc")
	m.Put(ctx, "k", data)
	data[0] = 'x'

	got, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored data aliased caller slice: %q", got)
	}
}

func TestDirStore(t *testing.T) {
	d, err := NewDirStore(filepath.Join(t.TempDir(), "bucket"))
	if err != nil {
		t.Fatalf("NewDirStore() error = %v", err)
	}
	testBucketContract(t, d)
}

func TestDirStore_RejectsEscapingKeys(t *testing.T) {
	d, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore() error = %v", err)
	}
	if err := d.Put(context.Background(), "../outside", []byte("x")); err == nil {
		t.Fatal("expected error for key escaping the root")
	}
}

func TestOpenDirStore_Missing(t *testing.T) {
	if _, err := OpenDirStore(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestOpen_LocalBackend(t *testing.T) {
	root := t.TempDir()
	b, err := Open(context.Background(), &config.Credentials{Backend: config.BackendLocal, Root: root}, "obs")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := b.(*DirStore); !ok {
		t.Fatalf("Open() returned %T, want *DirStore", b)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), &config.Credentials{Backend: "gcs"}, "obs")
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
