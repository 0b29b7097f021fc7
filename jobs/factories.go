package jobs

import (
	"encoding/json"

	"github.com/opd-ai/smsecure/queue"
)

// RegisterFactories installs the reconstruction factory for every job type,
// binding the shared dependency set. Must run before the queue replays
// persisted jobs.
func RegisterFactories(deps *Deps) {
	q := deps.Queue

	q.Register("sms-send", func(data []byte) (queue.Job, error) {
		j := &SmsSendJob{deps: deps}
		return j, json.Unmarshal(data, j)
	})
	q.Register("sms-sent", func(data []byte) (queue.Job, error) {
		j := &SmsSentJob{deps: deps}
		return j, json.Unmarshal(data, j)
	})
	q.Register("sms-receive", func(data []byte) (queue.Job, error) {
		j := &SmsReceiveJob{deps: deps}
		return j, json.Unmarshal(data, j)
	})
	q.Register("sms-decrypt", func(data []byte) (queue.Job, error) {
		j := &SmsDecryptJob{deps: deps}
		return j, json.Unmarshal(data, j)
	})
	q.Register("mms-send", func(data []byte) (queue.Job, error) {
		j := &MmsSendJob{deps: deps}
		return j, json.Unmarshal(data, j)
	})
	q.Register("mms-download", func(data []byte) (queue.Job, error) {
		j := &MmsDownloadJob{deps: deps}
		return j, json.Unmarshal(data, j)
	})
}
