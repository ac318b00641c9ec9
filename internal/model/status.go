package model

import "time"

// LoopState is the state of one scheduler loop.
type LoopState string

// Loop states.
const (
	StateIdle     LoopState = "idle"
	StateRunning  LoopState = "running"
	StateSweeping LoopState = "sweeping"
)

// SearchResult summarizes one search during a cycle.
type SearchResult struct {
	Tag         string
	Pages       int
	FailedPages int
	Observed    int
	New         int
	Err         error
}

// CycleResult summarizes one pass over all enabled searches.
type CycleResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Searches   []SearchResult
	// Distinct counts identities observed across all searches in the cycle.
	Distinct int
}

// DrainResult summarizes one notification drain.
type DrainResult struct {
	Sent     int
	Deferred int
	// Unmarked counts deliveries whose sent-state could not be persisted.
	Unmarked int
}

// Status is the snapshot returned to status queries.
type Status struct {
	Searches      []Search
	LastResults   []SearchResult
	LastDrain     DrainResult
	Stats         Stats
	CycleState    LoopState
	SweepState    LoopState
	LastCycleAt   time.Time
	LastCycleTook time.Duration
	LastSweepAt   time.Time
	LastSwept     int64
	SkippedCycles int64
	SkippedSweeps int64
	LastError     string
	LastErrorAt   time.Time
}
