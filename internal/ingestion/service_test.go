package ingestion

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/normalize"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
	"github.com/kacper-wojtaszczyk/obsync/internal/writer"
	"github.com/kacper-wojtaszczyk/obsync/internal/zarr"
)

// stubFetcher stages every source as-is, except those listed in failing.
type stubFetcher struct {
	mu       sync.Mutex
	requests []FetchRequest
	failing  map[string]bool
	err      error
}

func (s *stubFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.err != nil {
		return FetchResult{}, s.err
	}
	var res FetchResult
	for _, src := range req.Sources {
		if s.failing[src] {
			res.Failures = errors.Join(res.Failures, errors.New("404 "+src))
			continue
		}
		res.Staged = append(res.Staged, src)
	}
	return res, nil
}

func (s *stubFetcher) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		out = append(out, r.Sources...)
	}
	return out
}

// stubNormalizer serves a prepared time range per staged path and joins them.
type stubNormalizer struct {
	ranges map[string][2]int
	err    map[string]error
}

func (s stubNormalizer) Normalize(ctx context.Context, paths []string, d model.Descriptor) (normalize.Result, error) {
	var times []float64
	for _, p := range paths {
		if err := s.err[p]; err != nil {
			return normalize.Result{}, err
		}
		r := s.ranges[p]
		for i := r[0]; i < r[0]+r[1]; i++ {
			times = append(times, float64(i))
		}
	}
	slices.Sort(times)
	return series(times, d.Chunks), nil
}

func series(times []float64, chunks model.ChunkSpec) normalize.Result {
	n := len(times)
	x := make([]float64, n)
	y := make([]float64, n)
	for i, t := range times {
		x[i], y[i] = t*2, -t
	}
	ds := dataset.New()
	tv, _ := dataset.NewVariable("time", []string{"time"}, []int{n}, times)
	xv, _ := dataset.NewVariable("x", []string{"time"}, []int{n}, x)
	yv, _ := dataset.NewVariable("y", []string{"time"}, []int{n}, y)
	ds.AddVariable(tv)
	ds.AddVariable(xv)
	ds.AddVariable(yv)
	return normalize.Result{Dataset: ds, Plan: dataset.PlanChunks(ds, chunks)}
}

type stubRecorder struct {
	mu      sync.Mutex
	started []Report
	done    []Report
	err     error
}

func (r *stubRecorder) RecordStart(ctx context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rep)
	return r.err
}

func (r *stubRecorder) RecordFinish(ctx context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, rep)
	return r.err
}

type fixture struct {
	store   *storage.MemoryStore
	fetcher *stubFetcher
	svc     *Service
}

func newFixture(norm stubNormalizer, opts Options) *fixture {
	f := &fixture{store: storage.NewMemoryStore(), fetcher: &stubFetcher{}}
	open := func(ctx context.Context, bucket string) (Writer, error) {
		return writer.New(f.store, writer.Options{}), nil
	}
	f.svc = NewService(f.fetcher, norm, open, opts)
	return f
}

func (f *fixture) times(t *testing.T, prefix string) []float64 {
	t.Helper()
	ds, _, err := zarr.ReadDataset(context.Background(), f.store, prefix)
	if err != nil {
		t.Fatalf("ReadDataset(%s) error = %v", prefix, err)
	}
	times, _ := ds.Coordinate("time")
	return times
}

func descriptor(sources ...string) model.Descriptor {
	return model.Descriptor{
		Name:      "RAPID",
		Sources:   sources,
		Bucket:    "obs",
		Prefix:    "ocean/rapid",
		Chunks:    model.ChunkSpec{"time": 4},
		Variables: "consolidated",
		AppendDim: "time",
	}.WithAttributes(model.Attributes{"source": "rapid"})
}

func TestService_Run_Send(t *testing.T) {
	norm := stubNormalizer{ranges: map[string][2]int{"a.csv": {0, 6}, "b.csv": {6, 4}}}
	rec := &stubRecorder{}
	f := newFixture(norm, Options{StagingDir: "/staging", Recorder: rec})

	rep := f.svc.Run(context.Background(), descriptor("a.csv", "b.csv"), model.ModeSend)
	if rep.State != StateDone || rep.Err != nil {
		t.Fatalf("Run() = %s, %v", rep.State, rep.Err)
	}
	if rep.Appended != 10 {
		t.Errorf("Appended = %d, want 10", rep.Appended)
	}
	if err := rep.RunID.Validate(); err != nil {
		t.Errorf("RunID invalid: %v", err)
	}
	if len(f.fetcher.requests) != 1 || f.fetcher.requests[0].StagingDir != "/staging" || f.fetcher.requests[0].Dataset != "RAPID" {
		t.Errorf("fetch requests = %+v", f.fetcher.requests)
	}
	if diff := cmp.Diff([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, f.times(t, "ocean/rapid")); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}
	if len(rec.started) != 1 || len(rec.done) != 1 || rec.done[0].State != StateDone {
		t.Errorf("recorder saw start=%d done=%d", len(rec.started), len(rec.done))
	}

	again := f.svc.Run(context.Background(), descriptor("a.csv", "b.csv"), model.ModeSend)
	var exists *writer.AlreadyExistsError
	if again.State != StateFailed || again.Step != StepWrite || !errors.As(again.Err, &exists) {
		t.Errorf("second send = %s/%s, %v; want FAILED/write AlreadyExistsError", again.State, again.Step, again.Err)
	}
}

func TestService_Run_UpdateHaltsOnFirstFailure(t *testing.T) {
	norm := stubNormalizer{
		ranges: map[string][2]int{"base": {0, 3}, "s1": {3, 3}, "s2": {6, 3}, "s3": {9, 3}},
		err:    map[string]error{"s2": &normalize.NormalizationError{Path: "s2", Reason: "corrupt"}},
	}
	f := newFixture(norm, Options{})
	ctx := context.Background()

	if rep := f.svc.Run(ctx, descriptor("base"), model.ModeSend); rep.Failed() {
		t.Fatalf("send failed: %v", rep.Err)
	}

	rep := f.svc.Run(ctx, descriptor("s1", "s2", "s3"), model.ModeUpdate)
	if rep.State != StateFailed || rep.Step != StepNormalize {
		t.Fatalf("Run() = %s/%s, want FAILED/normalize", rep.State, rep.Step)
	}
	var ne *normalize.NormalizationError
	if !errors.As(rep.Err, &ne) {
		t.Errorf("error = %v, want NormalizationError", rep.Err)
	}
	if rep.Appended != 3 {
		t.Errorf("Appended = %d, want 3", rep.Appended)
	}
	if diff := cmp.Diff([]string{"base", "s1", "s2"}, f.fetcher.fetched()); diff != "" {
		t.Errorf("fetched sources (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 1, 2, 3, 4, 5}, f.times(t, "ocean/rapid")); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}
}

func TestService_Run_UpdateMissingObject(t *testing.T) {
	f := newFixture(stubNormalizer{ranges: map[string][2]int{"s1": {0, 2}}}, Options{})
	rep := f.svc.Run(context.Background(), descriptor("s1"), model.ModeUpdate)
	var nf *writer.NotFoundError
	if rep.Step != StepWrite || !errors.As(rep.Err, &nf) {
		t.Errorf("Run() = %s, %v; want write NotFoundError", rep.Step, rep.Err)
	}
}

func TestService_Run_Sync(t *testing.T) {
	norm := stubNormalizer{ranges: map[string][2]int{"all": {0, 5}, "more": {0, 8}}}
	f := newFixture(norm, Options{})
	ctx := context.Background()

	first := f.svc.Run(ctx, descriptor("all"), model.ModeSync)
	if first.Failed() || first.Appended != 5 {
		t.Fatalf("first sync = %v, appended %d", first.Err, first.Appended)
	}

	unchanged := f.svc.Run(ctx, descriptor("all"), model.ModeSync)
	if unchanged.State != StateDone || unchanged.Appended != 0 {
		t.Errorf("sync with nothing new = %s, appended %d", unchanged.State, unchanged.Appended)
	}

	grown := f.svc.Run(ctx, descriptor("more"), model.ModeSync)
	if grown.Failed() || grown.Appended != 3 {
		t.Fatalf("sync with new data = %v, appended %d", grown.Err, grown.Appended)
	}
	if diff := cmp.Diff([]float64{0, 1, 2, 3, 4, 5, 6, 7}, f.times(t, "ocean/rapid")); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}
}

func TestService_Run_VarsIndependent(t *testing.T) {
	f := newFixture(stubNormalizer{ranges: map[string][2]int{"a": {0, 4}}}, Options{})
	d := descriptor("a")
	d.VarsIndependent = true

	rep := f.svc.Run(context.Background(), d, model.ModeSend)
	if rep.Failed() {
		t.Fatalf("Run() error = %v", rep.Err)
	}
	for _, name := range []string{"x", "y"} {
		ds, g, err := zarr.ReadDataset(context.Background(), f.store, "ocean/rapid/"+name)
		if err != nil {
			t.Fatalf("ReadDataset(%s) error = %v", name, err)
		}
		if diff := cmp.Diff([]string{"time", name}, ds.Names()); diff != "" {
			t.Errorf("%s names (-want +got):\n%s", name, diff)
		}
		if g.Attrs["source"] != "rapid" {
			t.Errorf("%s attrs = %v", name, g.Attrs)
		}
	}
	if ok, _ := f.store.Exists(context.Background(), "ocean/rapid/zarr.json"); ok {
		t.Error("combined object written for independent variables")
	}
}

// brokenStore refuses writes under prefix while broken is set.
type brokenStore struct {
	*storage.MemoryStore
	mu     sync.Mutex
	prefix string
	broken bool
}

func (b *brokenStore) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	fail := b.broken && strings.HasPrefix(key, b.prefix)
	b.mu.Unlock()
	if fail {
		return errors.New("disk quota exceeded")
	}
	return b.MemoryStore.Put(ctx, key, data)
}

func (b *brokenStore) set(broken bool) {
	b.mu.Lock()
	b.broken = broken
	b.mu.Unlock()
}

func TestService_Run_VarsIndependentIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	norm := stubNormalizer{ranges: map[string][2]int{"a": {0, 4}, "b": {4, 4}}}
	store := &brokenStore{MemoryStore: storage.NewMemoryStore(), prefix: "ocean/rapid/y/", broken: true}
	open := func(ctx context.Context, bucket string) (Writer, error) {
		return writer.New(store, writer.Options{}), nil
	}
	svc := NewService(&stubFetcher{}, norm, open, Options{})
	d := descriptor("a")
	d.VarsIndependent = true

	rep := svc.Run(ctx, d, model.ModeSend)
	if !rep.Failed() || rep.Step != StepWrite {
		t.Fatalf("Run() = %v at %s, want a write failure", rep.Err, rep.Step)
	}
	if left := store.Snapshot(); len(left) != 0 {
		t.Errorf("keys left after failed send: %d", len(left))
	}

	store.set(false)
	if rep := svc.Run(ctx, d, model.ModeSend); rep.Failed() {
		t.Fatalf("second send = %v, want success", rep.Err)
	}
	before := store.Snapshot()

	store.set(true)
	update := descriptor("b")
	update.VarsIndependent = true
	if rep := svc.Run(ctx, update, model.ModeUpdate); !rep.Failed() {
		t.Fatal("update succeeded with y unwritable")
	}
	if diff := cmp.Diff(before, store.Snapshot()); diff != "" {
		t.Errorf("failed update changed stored objects (-before +after):\n%s", diff)
	}
}

func TestService_Run_PartialFetch(t *testing.T) {
	norm := stubNormalizer{ranges: map[string][2]int{"a": {0, 4}, "c": {8, 4}}}

	t.Run("refused by default", func(t *testing.T) {
		f := newFixture(norm, Options{})
		f.fetcher.failing = map[string]bool{"b": true}
		rep := f.svc.Run(context.Background(), descriptor("a", "b", "c"), model.ModeSend)
		if rep.State != StateFailed || rep.Step != StepFetch {
			t.Fatalf("Run() = %s/%s, want FAILED/fetch", rep.State, rep.Step)
		}
		if ok, _ := f.store.Exists(context.Background(), "ocean/rapid/zarr.json"); ok {
			t.Error("object written from an incomplete batch")
		}
	})

	t.Run("allowed", func(t *testing.T) {
		f := newFixture(norm, Options{})
		f.fetcher.failing = map[string]bool{"b": true}
		d := descriptor("a", "b", "c")
		d.AllowPartial = true
		rep := f.svc.Run(context.Background(), d, model.ModeSend)
		if rep.Failed() {
			t.Fatalf("Run() error = %v", rep.Err)
		}
		if diff := cmp.Diff([]float64{0, 1, 2, 3, 8, 9, 10, 11}, f.times(t, "ocean/rapid")); diff != "" {
			t.Errorf("time mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestService_Run_Invalid(t *testing.T) {
	tests := []struct {
		name string
		d    model.Descriptor
		mode model.Mode
	}{
		{name: "no sources", d: descriptor(), mode: model.ModeSend},
		{name: "unknown mode", d: descriptor("a"), mode: "replace"},
		{
			name: "update without append dim",
			d: func() model.Descriptor {
				d := descriptor("a")
				d.AppendDim = ""
				return d
			}(),
			mode: model.ModeUpdate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(stubNormalizer{}, Options{})
			rep := f.svc.Run(context.Background(), tt.d, tt.mode)
			if rep.State != StateFailed || rep.Step != StepValidate {
				t.Errorf("Run() = %s/%s, want FAILED/validate", rep.State, rep.Step)
			}
			if len(f.fetcher.requests) != 0 {
				t.Error("fetch ran for an invalid descriptor")
			}
		})
	}
}

func TestService_RecorderErrorsDoNotFailRun(t *testing.T) {
	rec := &stubRecorder{err: errors.New("ledger down")}
	f := newFixture(stubNormalizer{ranges: map[string][2]int{"a": {0, 2}}}, Options{Recorder: rec})
	if rep := f.svc.Run(context.Background(), descriptor("a"), model.ModeSend); rep.Failed() {
		t.Fatalf("Run() error = %v", rep.Err)
	}
}

func TestService_RunBatch(t *testing.T) {
	norm := stubNormalizer{ranges: map[string][2]int{"a": {0, 4}, "b": {0, 4}}}
	f := newFixture(norm, Options{})
	f.fetcher.failing = map[string]bool{"bad": true}

	mk := func(name, prefix string, sources ...string) model.Descriptor {
		d := descriptor(sources...)
		d.Name = model.Dataset(name)
		d.Prefix = prefix
		return d
	}
	batch := []model.Descriptor{
		mk("A", "obs/a", "a"),
		mk("BAD", "obs/bad", "bad"),
		mk("B", "obs/b", "b"),
	}

	reports, err := f.svc.RunBatch(context.Background(), batch, model.ModeSend, 2)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	var got []string
	for _, r := range reports {
		got = append(got, string(r.Dataset)+":"+string(r.State))
	}
	if diff := cmp.Diff([]string{"A:DONE", "BAD:FAILED", "B:DONE"}, got); diff != "" {
		t.Errorf("reports (-want +got):\n%s", diff)
	}
}

func TestService_RunBatch_RejectsConflicts(t *testing.T) {
	tests := []struct {
		name  string
		batch []model.Descriptor
	}{
		{
			name: "nested prefixes",
			batch: []model.Descriptor{
				{Name: "A", Bucket: "obs", Prefix: "ocean"},
				{Name: "B", Bucket: "obs", Prefix: "ocean/rapid"},
			},
		},
		{
			name: "same name",
			batch: []model.Descriptor{
				{Name: "A", Bucket: "obs", Prefix: "a"},
				{Name: "A", Bucket: "obs", Prefix: "b"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(stubNormalizer{}, Options{})
			_, err := f.svc.RunBatch(context.Background(), tt.batch, model.ModeSend, 1)
			if !errors.Is(err, ErrConflictingTargets) {
				t.Fatalf("RunBatch() error = %v, want ErrConflictingTargets", err)
			}
			if len(f.fetcher.requests) != 0 {
				t.Error("datasets ran despite conflict")
			}
		})
	}

	sameKeyOtherBucket := []model.Descriptor{
		{Name: "A", Bucket: "one", Prefix: "x"},
		{Name: "B", Bucket: "two", Prefix: "x"},
	}
	if err := checkTargets(sameKeyOtherBucket); err != nil {
		t.Errorf("checkTargets() = %v for distinct buckets", err)
	}
}
