package queue

import "time"

func (q *Queue) SetScanInterval(d time.Duration) { q.scanInterval = d }

func (q *Queue) Backoff(attempt int) time.Duration { return q.backoff(attempt) }

var (
	Token       = token
	ConsumerFor = consumerName
)
