package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/normalize"
	"github.com/kacper-wojtaszczyk/obsync/internal/writer"
)

// FetchRequest contains input parameters for staging a dataset's sources.
type FetchRequest struct {
	Dataset    model.Dataset
	Sources    []string
	StagingDir string
	Include    string
	Checksums  map[string]string
}

// FetchResult lists the staged local paths. Failures is non-nil when some
// sources could not be staged.
type FetchResult struct {
	Staged   []string
	Failures error
}

// Incomplete reports whether any source failed.
func (r FetchResult) Incomplete() bool {
	return r.Failures != nil
}

// Fetcher stages raw data for a given request.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Normalizer turns staged files into a standardized dataset.
type Normalizer interface {
	Normalize(ctx context.Context, paths []string, d model.Descriptor) (normalize.Result, error)
}

// Writer persists datasets in one bucket. WriteAll applies its ops as one
// unit: all of them or none.
type Writer interface {
	Exists(ctx context.Context, prefix string) (bool, error)
	LastCoordinate(ctx context.Context, prefix, dim string) (float64, int, bool, error)
	WriteAll(ctx context.Context, runID model.RunID, ops ...writer.Op) error
}

// WriterFactory opens the writer for a bucket.
type WriterFactory func(ctx context.Context, bucket string) (Writer, error)

// Recorder keeps a history of runs. Errors are logged and never fail a run.
type Recorder interface {
	RecordStart(ctx context.Context, r Report) error
	RecordFinish(ctx context.Context, r Report) error
}

// Options configure a Service.
type Options struct {
	StagingDir string
	// Overwrite lets send replace an existing object.
	Overwrite bool
	Recorder  Recorder
}

// Service orchestrates the pipeline steps for a dataset: fetch, normalize, write.
type Service struct {
	fetcher    Fetcher
	normalizer Normalizer
	writers    WriterFactory
	opts       Options
	newRunID   func() (model.RunID, error)
	now        func() time.Time
}

func NewService(fetcher Fetcher, normalizer Normalizer, writers WriterFactory, opts Options) *Service {
	return &Service{
		fetcher:    fetcher,
		normalizer: normalizer,
		writers:    writers,
		opts:       opts,
		newRunID:   model.NewRunID,
		now:        time.Now,
	}
}

// Run takes one dataset through the pipeline. An empty mode falls back to the
// descriptor's mode, then to send. The returned report is DONE or FAILED.
func (s *Service) Run(ctx context.Context, d model.Descriptor, mode model.Mode) Report {
	if mode == "" {
		mode = d.Mode
	}
	if mode == "" {
		mode = model.ModeSend
	}
	rep := Report{Dataset: d.Name, Key: d.Key(), Mode: mode, State: StatePending, StartedAt: s.now()}

	runID, err := s.newRunID()
	if err != nil {
		return s.finish(ctx, rep, &StepError{Dataset: d.Name, Step: StepValidate, Err: err})
	}
	rep.RunID = runID
	if err := errors.Join(mode.Validate(), d.Validate()); err != nil {
		return s.finish(ctx, rep, &StepError{Dataset: d.Name, Step: StepValidate, Err: err})
	}
	if mode != model.ModeSend && d.AppendDim == "" {
		return s.finish(ctx, rep, &StepError{Dataset: d.Name, Step: StepValidate, Err: writer.ErrAppendDimRequired})
	}

	slog.InfoContext(ctx, "run started", "dataset", d.Name, "key", rep.Key, "mode", mode, "run_id", runID)
	s.record(ctx, rep, true)

	err = s.run(ctx, d, mode, &rep)
	return s.finish(ctx, rep, err)
}

func (s *Service) run(ctx context.Context, d model.Descriptor, mode model.Mode, rep *Report) error {
	w, err := s.writers(ctx, d.Bucket)
	if err != nil {
		return &StepError{Dataset: d.Name, Step: StepWrite, Err: fmt.Errorf("open bucket %s: %w", d.Bucket, err)}
	}

	if mode == model.ModeUpdate {
		// Sources are appended one at a time, in order; the first failure
		// leaves the remaining sources unprocessed.
		for i, src := range d.Sources {
			res, err := s.prepare(ctx, d, []string{src}, rep)
			if err != nil {
				return err
			}
			n, err := s.write(ctx, w, d, res, mode, rep)
			if err != nil {
				return err
			}
			rep.Appended += n
			slog.InfoContext(ctx, "source appended", "dataset", d.Name, "source", src, "index", i, "appended", n, "run_id", rep.RunID)
		}
		return nil
	}

	res, err := s.prepare(ctx, d, d.Sources, rep)
	if err != nil {
		return err
	}
	n, err := s.write(ctx, w, d, res, mode, rep)
	rep.Appended += n
	return err
}

// prepare fetches and normalizes sources.
func (s *Service) prepare(ctx context.Context, d model.Descriptor, sources []string, rep *Report) (normalize.Result, error) {
	s.enter(ctx, rep, StateFetching)
	fetched, err := s.fetcher.Fetch(ctx, FetchRequest{
		Dataset:    d.Name,
		Sources:    sources,
		StagingDir: s.opts.StagingDir,
		Include:    d.Include,
		Checksums:  d.Checksums,
	})
	if err != nil {
		return normalize.Result{}, &StepError{Dataset: d.Name, Step: StepFetch, Err: err}
	}
	if fetched.Incomplete() {
		if !d.AllowPartial || len(fetched.Staged) == 0 {
			return normalize.Result{}, &StepError{Dataset: d.Name, Step: StepFetch, Err: fetched.Failures}
		}
		slog.WarnContext(ctx, "continuing with partial fetch", "dataset", d.Name, "staged", len(fetched.Staged), "error", fetched.Failures, "run_id", rep.RunID)
	}

	s.enter(ctx, rep, StateNormalizing)
	res, err := s.normalizer.Normalize(ctx, fetched.Staged, d)
	if err != nil {
		return normalize.Result{}, &StepError{Dataset: d.Name, Step: StepNormalize, Err: err}
	}
	return res, nil
}

// write stores res once, or once per data variable when the descriptor asks
// for independent objects. The per-variable objects are written as one unit,
// so a failure on any of them leaves all of them as they were. It returns the
// number of appended slices.
func (s *Service) write(ctx context.Context, w Writer, d model.Descriptor, res normalize.Result, mode model.Mode, rep *Report) (int, error) {
	s.enter(ctx, rep, StateWriting)

	type target struct {
		d   model.Descriptor
		res normalize.Result
	}
	targets := []target{{d: d, res: res}}
	if d.VarsIndependent {
		targets = targets[:0]
		for _, name := range dataVariables(res.Dataset) {
			sub, err := res.Dataset.Select([]string{name})
			if err != nil {
				return 0, &StepError{Dataset: d.Name, Step: StepWrite, Err: err}
			}
			targets = append(targets, target{
				d:   d.ForVariable(name),
				res: normalize.Result{Dataset: sub, Plan: dataset.PlanChunks(sub, d.Chunks)},
			})
		}
	}

	appended := 0
	ops := make([]writer.Op, 0, len(targets))
	for _, t := range targets {
		op, n, err := s.plan(ctx, w, t.d, t.res, mode, rep.RunID)
		if err != nil {
			return 0, &StepError{Dataset: d.Name, Step: StepWrite, Err: fmt.Errorf("%s: %w", t.d.Key(), err)}
		}
		if op != nil {
			ops = append(ops, *op)
			appended = max(appended, n)
		}
	}
	if err := w.WriteAll(ctx, rep.RunID, ops...); err != nil {
		if len(ops) == 1 {
			err = fmt.Errorf("%s: %w", ops[0].Descriptor.Key(), err)
		}
		return 0, &StepError{Dataset: d.Name, Step: StepWrite, Err: err}
	}
	return appended, nil
}

// plan turns one target into a writer op and the number of slices it
// appends. Sync sends absent objects and appends only slices newer than the
// stored ones; a nil op means the object is already up to date.
func (s *Service) plan(ctx context.Context, w Writer, d model.Descriptor, res normalize.Result, mode model.Mode, runID model.RunID) (*writer.Op, int, error) {
	n := 0
	if d.AppendDim != "" {
		n, _ = res.Dataset.DimSize(d.AppendDim)
	}

	switch mode {
	case model.ModeSend:
		return &writer.Op{Descriptor: d, Result: res, Overwrite: s.opts.Overwrite}, n, nil
	case model.ModeUpdate:
		return &writer.Op{Descriptor: d, Result: res, Update: true}, n, nil
	}

	exists, err := w.Exists(ctx, d.Prefix)
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		slog.InfoContext(ctx, "object absent, sending", "dataset", d.Name, "key", d.Key(), "run_id", runID)
		return &writer.Op{Descriptor: d, Result: res}, n, nil
	}

	fresh, err := newerThanStored(ctx, w, d, res)
	if err != nil {
		return nil, 0, err
	}
	if fresh.Dataset == nil {
		slog.InfoContext(ctx, "object up to date", "dataset", d.Name, "key", d.Key(), "run_id", runID)
		return nil, 0, nil
	}
	n, _ = fresh.Dataset.DimSize(d.AppendDim)
	return &writer.Op{Descriptor: d, Result: fresh, Update: true}, n, nil
}

// newerThanStored keeps the slices whose append coordinate is greater than
// the stored last value. A nil Dataset means nothing is new.
func newerThanStored(ctx context.Context, w Writer, d model.Descriptor, res normalize.Result) (normalize.Result, error) {
	last, _, ok, err := w.LastCoordinate(ctx, d.Prefix, d.AppendDim)
	if err != nil {
		return normalize.Result{}, err
	}
	if !ok {
		return res, nil
	}
	coord, found := res.Dataset.Coordinate(d.AppendDim)
	if !found {
		return normalize.Result{}, fmt.Errorf("no %s coordinate to compare with the stored object", d.AppendDim)
	}
	start := len(coord)
	for i, c := range coord {
		if c > last {
			start = i
			break
		}
	}
	if start == len(coord) {
		return normalize.Result{}, nil
	}
	sliced, err := res.Dataset.SliceFrom(d.AppendDim, start)
	if err != nil {
		return normalize.Result{}, err
	}
	return normalize.Result{Dataset: sliced, Plan: res.Plan}, nil
}

// dataVariables lists variables that are not coordinates.
func dataVariables(ds *dataset.Dataset) []string {
	var names []string
	for _, name := range ds.Names() {
		v, _ := ds.Variable(name)
		if len(v.Dims) == 1 && v.Dims[0] == name {
			continue
		}
		names = append(names, name)
	}
	return names
}

func (s *Service) enter(ctx context.Context, rep *Report, state State) {
	rep.State = state
	slog.DebugContext(ctx, "state changed", "dataset", rep.Dataset, "state", state, "run_id", rep.RunID)
}

func (s *Service) finish(ctx context.Context, rep Report, err error) Report {
	rep.FinishedAt = s.now()
	if err != nil {
		rep.State = StateFailed
		rep.Err = err
		var se *StepError
		if errors.As(err, &se) {
			rep.Step = se.Step
		}
		slog.ErrorContext(ctx, "run failed", "dataset", rep.Dataset, "key", rep.Key, "step", rep.Step, "error", err, "run_id", rep.RunID)
	} else {
		rep.State = StateDone
		slog.InfoContext(ctx, "run complete", "dataset", rep.Dataset, "key", rep.Key, "appended", rep.Appended, "run_id", rep.RunID)
	}
	if rep.RunID != "" {
		s.record(ctx, rep, false)
	}
	return rep
}

func (s *Service) record(ctx context.Context, rep Report, start bool) {
	if s.opts.Recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if start {
		err = s.opts.Recorder.RecordStart(ctx, rep)
	} else {
		err = s.opts.Recorder.RecordFinish(ctx, rep)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to record run", "dataset", rep.Dataset, "state", rep.State, "error", err, "run_id", rep.RunID)
	}
}
