package exitcode

// Exit codes for the obsync CLI.
// Batch schedulers (SLURM, cron) can use these to decide retry strategy.
const (
	// Success - every dataset completed
	Success = 0

	// ConfigError - missing or invalid flags, environment or catalog
	// Don't retry: fix the config first
	ConfigError = 1

	// FetchError - source download or listing failed
	// Retry by rerunning the driver
	FetchError = 2

	// CredentialError - store credentials file missing or invalid
	// Don't retry: fix the credentials first
	CredentialError = 3

	// StorageError - failed to read or write the object store
	// Retry with backoff
	StorageError = 4

	// DataError - staged files could not be normalized
	// Don't retry: investigate the data
	DataError = 5

	// PreconditionError - object already exists, is missing, is locked or has a different schema
	// Don't retry: the store state needs a human decision
	PreconditionError = 6
)
