// Package sandbox provides the execution runner for untrusted notebooks.
//
// The runner spawns one subprocess per unit, bound to the interpreter of the
// unit's cached environment and rooted at the unit's own directory. Combined
// output goes to a persisted log file and to a bounded tail buffer. The
// per-unit timeout is a hard ceiling: on expiry the whole process group is
// killed.
//
// Classify maps an observed exit into one of a fixed set of outcome kinds
// and is the only place that decides between ok, timeout, execution_error
// and internal_error.
//
// Usage:
//
//	executor := sandbox.NewLocalExecutor(logger, &sandbox.Config{...})
//	result, err := executor.Execute(ctx, u, env, 8*time.Minute)
//	if err != nil {
//	    // interrupted: the unit stays unrecorded
//	}
package sandbox
