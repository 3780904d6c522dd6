// Package envcache provides the on-disk cache of provisioned notebook environments.
//
// Each environment is an isolated Python virtualenv keyed by the slug of the
// unit's source identity and the fingerprint of its dependency manifests.
// Acquire serves an existing environment without running any installation
// step, or provisions a fresh one on a miss. Prune evicts environments whose
// last-used marker is older than a cutoff and is never called implicitly.
//
// Usage:
//
//	store := envcache.New(logger, &envcache.Config{Root: "work/envs", ...})
//	env, err := store.Acquire(ctx, u.Identity, u.Manifests, u.Extras)
//	var perr *envcache.ProvisionError
//	if errors.As(err, &perr) {
//	    // record a provision_error for the unit
//	}
package envcache
