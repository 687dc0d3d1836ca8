package httpsource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/kacper-wojtaszczyk/obsync/internal/ingestion"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

func newTestClient() *Client {
	c := NewClient(2, 5*time.Second)
	// Speed up backoff for tests
	c.httpClient.RetryWaitMin = time.Millisecond
	c.httpClient.RetryWaitMax = 5 * time.Millisecond
	return c
}

const listingPage = `<html><body>
<a href="?C=N;O=D">Name</a>
<a href="../">Parent Directory</a>
<a href="index.html">index.html</a>
<a href="sub/">sub/</a>
<a href="samba_2021.asc">samba_2021.asc</a>
<a href="samba_2022.asc">samba_2022.asc</a>
<a href="samba_2023.asc">samba_2023.asc</a>
<a href="samba_2024.asc">samba_2024.asc</a>
<a href="/data/samba_2025.asc">samba_2025.asc</a>
<a href="http://elsewhere.example.org/other.asc">other</a>
</body></html>`

func TestDownload_ListingWithOneMissingFile(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case r.URL.Path == "/data/":
			_, _ = w.Write([]byte(listingPage))
		case r.URL.Path == "/data/samba_2023.asc":
			http.NotFound(w, r)
		case strings.HasPrefix(r.URL.Path, "/data/samba_"):
			_, _ = w.Write([]byte("content of " + r.URL.Path))
		default:
			t.Errorf("unexpected request for %s", r.URL.String())
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "SAMBA")
	batch, err := newTestClient().Download(context.Background(), []string{server.URL + "/data/"}, dir, Options{})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	want := []string{
		filepath.Join(dir, "samba_2021.asc"),
		filepath.Join(dir, "samba_2022.asc"),
		filepath.Join(dir, "samba_2024.asc"),
		filepath.Join(dir, "samba_2025.asc"),
	}
	if diff := cmp.Diff(want, batch.Staged); diff != "" {
		t.Errorf("Staged mismatch (-want +got):\n%s", diff)
	}
	if !batch.Incomplete() {
		t.Fatal("expected batch to be incomplete")
	}
	if len(batch.Failed) != 1 || batch.Failed[0].StatusCode != http.StatusNotFound {
		t.Fatalf("Failed = %v", batch.Failed)
	}
	// listing + 5 files, 404 is not retried
	if got := hits.Load(); got != 6 {
		t.Errorf("server hits = %d, want 6", got)
	}

	var be *BatchError
	if !errors.As(batch.Err(), &be) || be.Staged != 4 {
		t.Fatalf("Err() = %v, want BatchError with 4 staged", batch.Err())
	}
	var fe *FetchError
	if !errors.As(batch.Err(), &fe) || !strings.HasSuffix(fe.URL, "samba_2023.asc") {
		t.Fatalf("errors.As(FetchError) = %v", fe)
	}

	data, err := os.ReadFile(filepath.Join(dir, "samba_2022.asc"))
	if err != nil || string(data) != "content of /data/samba_2022.asc" {
		t.Errorf("staged content = %q, %v", data, err)
	}
}

func TestDownload_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	batch, err := newTestClient().Download(context.Background(), []string{server.URL + "/a.nc"}, t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if batch.Incomplete() || batch.Err() != nil {
		t.Fatalf("batch unexpectedly incomplete: %v", batch.Err())
	}
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer server.Close()

	batch, err := newTestClient().Download(context.Background(), []string{server.URL + "/HadISST_sst.nc.gz.part"}, t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if batch.Incomplete() {
		t.Fatalf("expected success after retries, got %v", batch.Err())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDownload_GivesUpAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	batch, err := newTestClient().Download(context.Background(), []string{server.URL + "/f.nc"}, t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if len(batch.Failed) != 1 || batch.Failed[0].StatusCode != http.StatusBadGateway {
		t.Fatalf("Failed = %v", batch.Failed)
	}
}

func TestDownload_Checksum(t *testing.T) {
	body := []byte("osnap moc time series")
	sum := sha256.Sum256(body)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer server.Close()

	dir := t.TempDir()
	c := newTestClient()

	ok, err := c.Download(context.Background(), []string{server.URL + "/good.nc"}, dir, Options{
		Checksums: map[string]string{"good.nc": hex.EncodeToString(sum[:])},
	})
	if err != nil || ok.Incomplete() {
		t.Fatalf("matching checksum: batch = %+v, err = %v", ok, err)
	}

	bad, err := c.Download(context.Background(), []string{server.URL + "/bad.nc"}, dir, Options{
		Checksums: map[string]string{"bad.nc": strings.Repeat("0", 64)},
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !errors.Is(bad.Err(), ErrChecksumMismatch) {
		t.Fatalf("Err() = %v, want ErrChecksumMismatch", bad.Err())
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.nc")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file with bad checksum left in staging: %v", err)
	}
}

func TestDownload_LocalAndUnsupported(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("1"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := newTestClient().Download(context.Background(), []string{
		filepath.Join(dir, "*.csv"),
		filepath.Join(dir, "missing.csv"),
		"ftp://ftp.example.org/pub/en4.zip",
	}, t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	want := []string{filepath.Join(dir, "a.csv"), filepath.Join(dir, "b.csv")}
	if diff := cmp.Diff(want, batch.Staged); diff != "" {
		t.Errorf("Staged mismatch (-want +got):\n%s", diff)
	}
	if len(batch.Failed) != 2 {
		t.Fatalf("Failed = %v, want 2 entries", batch.Failed)
	}
	if !errors.Is(batch.Failed[0], os.ErrNotExist) {
		t.Errorf("missing local file error = %v", batch.Failed[0])
	}
	if !errors.Is(batch.Failed[1], ErrUnsupportedScheme) {
		t.Errorf("ftp error = %v", batch.Failed[1])
	}
}

type stubStager struct {
	err   error
	calls []string
}

func (s *stubStager) Stage(ctx context.Context, src, dir string) (string, error) {
	s.calls = append(s.calls, src)
	if s.err != nil {
		return "", s.err
	}
	target := filepath.Join(dir, "retrieval.csv")
	return target, os.WriteFile(target, []byte("time,x\n"), 0o644)
}

func TestDownload_RegisteredStager(t *testing.T) {
	ok := &stubStager{}
	broken := &stubStager{err: errors.New("job rejected")}
	c := newTestClient()
	c.Register("CDS", ok)
	c.Register("ads", broken)

	dir := filepath.Join(t.TempDir(), "nested")
	batch, err := c.Download(context.Background(), []string{
		"cds://insitu-observations-surface-land?variable=air_temperature",
		"ads://cams-global-reanalysis?variable=ozone",
	}, dir, Options{})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if diff := cmp.Diff([]string{filepath.Join(dir, "retrieval.csv")}, batch.Staged); diff != "" {
		t.Errorf("Staged mismatch (-want +got):\n%s", diff)
	}
	if len(batch.Failed) != 1 || batch.Failed[0].URL != "ads://cams-global-reanalysis?variable=ozone" {
		t.Fatalf("Failed = %v, want the ads source", batch.Failed)
	}
	if len(ok.calls) != 1 || len(broken.calls) != 1 {
		t.Errorf("stager calls = %v / %v", ok.calls, broken.calls)
	}
}

func TestDownload_UnpacksArchives(t *testing.T) {
	var zipped bytes.Buffer
	zw := zip.NewWriter(&zipped)
	for _, name := range []string{"EN.4.2.2.f.analysis.g10.202401.nc", "EN.4.2.2.f.analysis.g10.202402.nc"} {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(f, "data %s", name)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	var gzipped bytes.Buffer
	gw := gzip.NewWriter(&gzipped)
	gw.Write([]byte("gridded sst"))
	gw.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/EN.4.2.2.analyses.g10.2024.zip":
			_, _ = w.Write(zipped.Bytes())
		case "/HadISST_sst.nc.gz":
			_, _ = w.Write(gzipped.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	batch, err := newTestClient().Download(context.Background(), []string{
		server.URL + "/EN.4.2.2.analyses.g10.2024.zip",
		server.URL + "/HadISST_sst.nc.gz",
	}, dir, Options{})
	if err != nil || batch.Incomplete() {
		t.Fatalf("Download() = %+v, %v", batch, err)
	}

	want := []string{
		filepath.Join(dir, "EN.4.2.2.f.analysis.g10.202401.nc"),
		filepath.Join(dir, "EN.4.2.2.f.analysis.g10.202402.nc"),
		filepath.Join(dir, "HadISST_sst.nc"),
	}
	if diff := cmp.Diff(want, batch.Staged); diff != "" {
		t.Errorf("Staged mismatch (-want +got):\n%s", diff)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "HadISST_sst.nc"))
	if string(data) != "gridded sst" {
		t.Errorf("gunzipped content = %q", data)
	}
}

func TestUnzip_RejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("../outside.txt")
	f.Write([]byte("x"))
	zw.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := unzip(archive, filepath.Join(dir, "staging")); err == nil {
		t.Fatal("expected error for entry escaping the staging directory")
	}
}

func TestParseListing_Include(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(listingPage))
	}))
	defer server.Close()

	links, err := newTestClient().list(context.Background(), server.URL+"/data/", "samba_202[45].asc")
	if err != nil {
		t.Fatalf("list() error = %v", err)
	}
	want := []string{server.URL + "/data/samba_2024.asc", server.URL + "/data/samba_2025.asc"}
	if diff := cmp.Diff(want, links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
}

func TestList_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	batch, err := newTestClient().Download(context.Background(), []string{server.URL + "/listing/"}, t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if len(batch.Failed) != 1 || batch.Failed[0].StatusCode != http.StatusForbidden {
		t.Fatalf("Failed = %v", batch.Failed)
	}
}

func TestClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.nc" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	staging := t.TempDir()
	result, err := newTestClient().Fetch(context.Background(), ingestion.FetchRequest{
		Dataset:    model.Dataset("OISSTv2"),
		Sources:    []string{server.URL + "/sst.mon.mean.nc", server.URL + "/missing.nc"},
		StagingDir: staging,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(staging, "OISSTv2", "sst.mon.mean.nc")}, result.Staged); diff != "" {
		t.Errorf("Staged mismatch (-want +got):\n%s", diff)
	}
	if !result.Incomplete() {
		t.Fatal("expected incomplete result")
	}
	var fe *FetchError
	if !errors.As(result.Failures, &fe) || fe.StatusCode != http.StatusNotFound {
		t.Errorf("Failures = %v", result.Failures)
	}
}
