package tidalmem

import "github.com/pkg/errors"

// OutOfMemoryError is returned when an allocation cannot be satisfied even after
// evicting every eligible chunk from the accelerator- both device budgets are
// exhausted. It indicates a structural capacity mismatch and is not retried.
var OutOfMemoryError error = errors.New("out of memory on all devices")

// UnknownTensorError is returned when a tensor id is resolved or freed without a
// live placement record. This is a caller programming error.
var UnknownTensorError error = errors.New("tensor was never allocated or has been freed")

// ChunkMigratingError is returned from a non-blocking access attempt while a
// migration is in flight for the chunk. Callers should await the migration and
// retry; it is never surfaced to the end user.
var ChunkMigratingError error = errors.New("chunk has a migration in flight")

// MigrationFailedError is returned when the target device cannot hold a chunk at
// migration time. Correct placement scheduling reserves space before committing a
// move, so this is an internal invariant violation and treated as fatal.
var MigrationFailedError error = errors.New("target device cannot hold chunk payload")

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
