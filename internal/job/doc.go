// Package job implements the render job lifecycle: admission, the bounded
// FIFO queue, the fixed-size worker pool, status bookkeeping, cancellation,
// and the terminal result cache exposed to polling callers.
package job
