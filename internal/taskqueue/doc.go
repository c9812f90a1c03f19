// Package taskqueue runs background jobs over a Redis list broker.
//
// A Broker moves reserved messages to an in-flight list until they are
// acknowledged, so a worker that dies mid-task leaves its messages behind for
// Requeue. The Worker applies the per-task rate and time limits from the
// task annotations, and Beat publishes scheduled tasks on cron triggers.
package taskqueue
