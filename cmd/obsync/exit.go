package main

import (
	"errors"

	"github.com/kacper-wojtaszczyk/obsync/internal/adapters/httpsource"
	"github.com/kacper-wojtaszczyk/obsync/internal/config"
	"github.com/kacper-wojtaszczyk/obsync/internal/exitcode"
	"github.com/kacper-wojtaszczyk/obsync/internal/ingestion"
	"github.com/kacper-wojtaszczyk/obsync/internal/normalize"
	"github.com/kacper-wojtaszczyk/obsync/internal/writer"
)

// storeError marks object store failures raised outside a pipeline run.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }

func (e *storeError) Unwrap() error { return e.err }

// exitCode classifies err into a process exit code. Specific causes win over
// the step they surfaced in.
func exitCode(err error) int {
	if err == nil {
		return exitcode.Success
	}

	var (
		credErr     *config.CredentialError
		fetchErr    *httpsource.FetchError
		batchErr    *httpsource.BatchError
		normErr     *normalize.NormalizationError
		existsErr   *writer.AlreadyExistsError
		notFoundErr *writer.NotFoundError
		mismatchErr *writer.DimensionMismatchError
		lockedErr   *writer.LockedError
		storeErr    *storeError
		stepErr     *ingestion.StepError
	)
	switch {
	case errors.As(err, &credErr):
		return exitcode.CredentialError
	case errors.As(err, &existsErr), errors.As(err, &notFoundErr),
		errors.As(err, &mismatchErr), errors.As(err, &lockedErr),
		errors.Is(err, writer.ErrAppendDimRequired):
		return exitcode.PreconditionError
	case errors.As(err, &normErr):
		return exitcode.DataError
	case errors.As(err, &batchErr), errors.As(err, &fetchErr):
		return exitcode.FetchError
	case errors.As(err, &storeErr):
		return exitcode.StorageError
	case errors.As(err, &stepErr):
		switch stepErr.Step {
		case ingestion.StepFetch:
			return exitcode.FetchError
		case ingestion.StepNormalize:
			return exitcode.DataError
		case ingestion.StepWrite:
			return exitcode.StorageError
		}
	}
	// flags, environment, catalog and descriptor validation
	return exitcode.ConfigError
}
