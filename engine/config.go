package engine

import "time"

// Config carries the engine execution defaults. Definition settings and
// per-node config override these where noted.
type Config struct {
	// Concurrency caps how many ready nodes of one run execute in
	// parallel. Definition settings may lower or raise it per workflow.
	Concurrency int
	// NodeTimeout is the maximum duration of a delegated call before it
	// is treated as failed, unless the node or definition overrides it.
	NodeTimeout time.Duration
	// Retry is the backoff applied to failing side-effecting nodes.
	// MaxRetries acts as the default retry count for side-effecting node
	// types; other types retry only when the node config asks for it.
	Retry RetryPolicy
	// MaxLoopIterations is the safety ceiling applied when a loop node
	// declares an exit condition without its own max_iterations.
	MaxLoopIterations int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		NodeTimeout:       60 * time.Second,
		Retry:             DefaultRetryPolicy(),
		MaxLoopIterations: 100,
	}
}

func (c Config) normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 60 * time.Second
	}
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = 100
	}
	c.Retry = c.Retry.normalized()
	return c
}
