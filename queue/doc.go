// Package queue schedules the pipeline's durable jobs. Jobs carry a group
// id, requirement predicates and a retry budget; the queue dispatches them
// on a bounded worker pool, strictly in submission order within a group,
// parking any job whose requirements are unmet until the environment
// changes. Persistent jobs are recorded in sqlite and replayed in order
// after a restart.
package queue
