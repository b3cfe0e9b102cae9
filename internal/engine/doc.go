// Package engine drives the order lifecycle. It dequeues jobs from the
// durable queue with a bounded worker pool, advances each order through the
// state machine pending→routing→building→submitted→confirmed, records
// failures with retry accounting, and fans lifecycle events out to live
// subscribers through the broker.
package engine
