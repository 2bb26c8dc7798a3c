package resilience

// Action is what the pipeline does with a stage that failed after retries.
type Action int

const (
	// ActionFatal aborts the run. The job ends FAILED.
	ActionFatal Action = iota
	// ActionManualEntry records an empty stage output flagged for manual
	// completion and continues. The run ends DEGRADED_COMPLETE at best.
	ActionManualEntry
	// ActionUseDefaults substitutes industry/category defaults for the
	// stage output and continues.
	ActionUseDefaults
	// ActionStopRemaining stops all remaining stages, keeping completed
	// output. The run ends DEGRADED_COMPLETE (or FAILED if nothing ran).
	ActionStopRemaining
	// ActionCachedOrSkip serves the last cached value if one exists, else
	// records an empty stage output, and continues.
	ActionCachedOrSkip
	// ActionSimplifiedRetry retries the stage once in simplified mode; if
	// that also fails, falls back to ActionManualEntry.
	ActionSimplifiedRetry
)

// Resolution is the outcome of resolving a failure against the policy table.
type Resolution struct {
	Action Action
	// Code is the machine-readable degradation code recorded on the job.
	Code string
	// Remedy is the human-readable suggestion recorded on the job.
	Remedy string
}

// defaultTable is the per-kind fallback policy. It is data, not code, so
// the policy is testable independently of the stages it governs.
var defaultTable = map[Kind]Resolution{
	KindUnreachableTarget: {
		Action: ActionManualEntry,
		Code:   "unreachable_target",
		Remedy: "The target site could not be reached. Verify the URL, or enter site details manually.",
	},
	KindInsufficientSignal: {
		Action: ActionUseDefaults,
		Code:   "insufficient_signal",
		Remedy: "Too little content was extracted; industry defaults were used. Review and adjust the suggested keywords.",
	},
	KindPipelineTimeout: {
		Action: ActionStopRemaining,
		Code:   "pipeline_timeout",
		Remedy: "The analysis exceeded its time budget. Completed stages were kept; re-run to fill in the rest.",
	},
	KindExternalDependency: {
		Action: ActionCachedOrSkip,
		Code:   "external_dependency",
		Remedy: "Search data was unavailable; cached or empty results were used. Re-run later for fresh data.",
	},
	KindRateExceeded: {
		Action: ActionCachedOrSkip,
		Code:   "rate_exceeded",
		Remedy: "Search quota was exhausted during the run. Re-run later for fresh data.",
	},
	KindFetchBlocked: {
		Action: ActionSimplifiedRetry,
		Code:   "fetch_blocked",
		Remedy: "The target blocked or mangled automated fetching. Enter site details manually if the simplified fetch also failed.",
	},
}

// Resolver maps a classified failure to a Resolution.
type Resolver struct {
	table map[Kind]Resolution
}

// NewResolver returns a Resolver with the default policy table.
func NewResolver() *Resolver {
	return &Resolver{table: defaultTable}
}

// NewResolverWithTable returns a Resolver with a custom table. Kinds absent
// from the table resolve to ActionFatal.
func NewResolverWithTable(table map[Kind]Resolution) *Resolver {
	return &Resolver{table: table}
}

// Resolve returns the policy outcome for err. Unknown kinds — and
// KindInvalidInput, which must never reach the pipeline — resolve to
// ActionFatal with a generic code.
func (r *Resolver) Resolve(err error) Resolution {
	kind := KindOf(err)
	if kind == KindUnknown || kind == KindInvalidInput {
		return Resolution{
			Action: ActionFatal,
			Code:   "internal_error",
			Remedy: "An unexpected error occurred. Re-run the analysis or contact support.",
		}
	}
	if res, ok := r.table[kind]; ok {
		return res
	}
	return Resolution{
		Action: ActionFatal,
		Code:   "internal_error",
		Remedy: "An unexpected error occurred. Re-run the analysis or contact support.",
	}
}
