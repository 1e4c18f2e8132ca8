package broker

import "time"

// Metrics is the optional observability hook of the broker. A nil Metrics is
// valid and makes every record a no-op, so instrumentation carries zero cost
// when disabled.
type Metrics interface {
	// RecordOperation records a completed metadata operation.
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordBroadcast counts an outgoing broadcast by kind
	// (cap-release, md-update, dentry-delete, evict, config, dropcaps,
	// cap-update).
	RecordBroadcast(kind string)

	// SetActiveSessions updates the live session gauge.
	SetActiveSessions(n int)

	// SetActiveCaps updates the live capability gauge.
	SetActiveCaps(n int)
}

func recordOperation(m Metrics, op string, d time.Duration, err error) {
	if m != nil {
		m.RecordOperation(op, d, err)
	}
}

func recordBroadcast(m Metrics, kind string) {
	if m != nil {
		m.RecordBroadcast(kind)
	}
}
