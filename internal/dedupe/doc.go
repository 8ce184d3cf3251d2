// Package dedupe provides an idempotency cache mapping request keys to prior
// results, so retried requests within a configurable window replay the
// original outcome instead of repeating side effects.
package dedupe
