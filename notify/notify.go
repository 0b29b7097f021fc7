// Package notify is the user-notification boundary. The pipeline reports
// thread updates and delivery failures through it; hosts plug in their own
// presentation layer. LogNotifier is the default sink.
package notify

import "github.com/sirupsen/logrus"

// Notifier receives user-visible events from the pipeline.
type Notifier interface {
	// UpdateNotification refreshes the conversation view for a thread.
	// An empty threadID refreshes everything.
	UpdateNotification(threadID string)

	// NotifyDeliveryFailed reports a terminally failed send for a thread.
	NotifyDeliveryFailed(recipients []string, threadID string)
}

// LogNotifier writes notification events to the structured log.
type LogNotifier struct{}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// UpdateNotification logs a thread refresh.
func (n *LogNotifier) UpdateNotification(threadID string) {
	logrus.WithFields(logrus.Fields{
		"function": "UpdateNotification",
		"threadID": threadID,
	}).Debug("Notification update")
}

// NotifyDeliveryFailed logs a delivery failure.
func (n *LogNotifier) NotifyDeliveryFailed(recipients []string, threadID string) {
	logrus.WithFields(logrus.Fields{
		"function":   "NotifyDeliveryFailed",
		"recipients": len(recipients),
		"threadID":   threadID,
	}).Warn("Delivery failed")
}

// Recorder captures notification events for tests.
type Recorder struct {
	Updates  []string
	Failures []string
}

// UpdateNotification records the thread id.
func (r *Recorder) UpdateNotification(threadID string) {
	r.Updates = append(r.Updates, threadID)
}

// NotifyDeliveryFailed records the thread id.
func (r *Recorder) NotifyDeliveryFailed(recipients []string, threadID string) {
	r.Failures = append(r.Failures, threadID)
}
