// Package message defines the data model for the secure delivery pipeline:
// logical messages, their delivery state machines, attachments, and the
// terminal result of a send attempt.
//
// A Message is created when a user composes text or when the transport
// delivers raw segments. It is then mutated exclusively by the delivery jobs
// and the cipher layer as it moves through the pipeline.
package message
