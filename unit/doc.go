// Package unit defines the executable work item and its dependency fingerprint.
//
// A Unit is one notebook pulled off the eligible queue. Its fingerprint is a
// short digest over the well-known dependency manifests of its source, and is
// the cache key component that lets units with identical manifests share a
// provisioned environment.
package unit
