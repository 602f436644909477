package settings

// DB config keys and defaults for runtime-tunable values.
const (
	// RecomputePageSizeKey overrides the batch recompute page size.
	RecomputePageSizeKey = "RECOMPUTE_PAGE_SIZE"
	// PropagationConcurrencyKey overrides the propagation handlers per worker process.
	PropagationConcurrencyKey = "PROPAGATION_CONCURRENCY"
	// JobRetentionDaysKey overrides the age limit of finished queue jobs.
	JobRetentionDaysKey = "JOB_RETENTION_DAYS"

	// DefaultRecomputePageSize is the batch page size when neither config nor DB sets one.
	DefaultRecomputePageSize = 500
	// MinRecomputePageSize is the lower clamp for batch pages.
	MinRecomputePageSize = 50
	// MaxRecomputePageSize is the upper clamp for batch pages.
	MaxRecomputePageSize = 2000
)
