package domain

import (
	"context"
	"time"
)

// Probe is a sensing unit producing timestamped data items.
// Implementations buffer collected data until the local data store commits
// and clears it.
type Probe interface {
	// ID returns the probe's unique identity within its protocol.
	ID() string

	// Kind returns the probe type name (e.g. "cpu", "memory").
	Kind() string

	// Enabled reports whether the probe should be started with its protocol.
	Enabled() bool

	// Running reports whether the probe was started and not yet stopped.
	Running() bool

	// Start begins collection. Collected data accumulates in the probe's
	// buffer until cleared.
	Start() error

	// Stop halts collection. Buffered data is retained.
	Stop() error

	// Restart is Stop followed by Start.
	Restart() error

	// TestHealth reports whether the probe appears degraded.
	TestHealth() HealthResult

	// GetCollectedData returns a snapshot of all not-yet-committed data.
	GetCollectedData() []Datum

	// ClearCommittedData removes exactly the given data from the buffer,
	// by identity. Data collected after the snapshot survives.
	ClearCommittedData([]Datum)
}

// DataStore is the shared contract of the local and remote data stores.
type DataStore interface {
	Running() bool
	Start() error
	Stop() error

	// Restart is Stop followed by Start.
	Restart() error

	// TestHealth reports whether the store appears degraded.
	TestHealth() HealthResult

	// AddNonProbeDatum writes a datum (e.g. a protocol report) through the
	// same durable path as probe data.
	AddNonProbeDatum(Datum) error

	// CommitInterval is how often the store runs its commit cycle.
	CommitInterval() time.Duration
}

// Sink is the remote destination the remote data store drains into.
type Sink interface {
	// Push delivers the batch. A nil return means every datum was accepted
	// and may be cleared locally.
	Push(ctx context.Context, data []Datum) error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// TimerService is the platform timer boundary beneath the callback
// scheduler. Implementations arrange for fire to be invoked after the given
// delays; the scheduler owns all bookkeeping above this line.
type TimerService interface {
	// ScheduleOnce fires once after delay. Returns an opaque timer id.
	ScheduleOnce(delay time.Duration, fire func()) (string, error)

	// ScheduleRepeating fires after initialDelay and then every interval.
	ScheduleRepeating(initialDelay, interval time.Duration, fire func()) (string, error)

	// Unschedule cancels the underlying timer. Safe on unknown ids.
	Unschedule(timerID string)
}

// Notifier issues user-visible notifications around callback execution.
type Notifier interface {
	Notify(message string)
}

// WakeLock keeps the device awake while a callback executes.
type WakeLock interface {
	Acquire()
	Release()
}
