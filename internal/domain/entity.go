// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Datum is one immutable unit of collected (or derived, e.g. report) data.
type Datum struct {
	ID        string          `json:"id"`
	ProbeID   string          `json:"probe_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// KindReport marks data produced by a protocol health test rather than a probe.
const KindReport = "report"

// NewDatum creates a datum with a fresh random ID and the current timestamp.
func NewDatum(probeID, kind string, payload json.RawMessage) Datum {
	return Datum{
		ID:        NewID(),
		ProbeID:   probeID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewID returns a random 16-byte hex identifier.
// Used for datum IDs, protocol IDs and scheduler callback IDs.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the platform is broken; fall back to
		// a timestamp so callers still get a unique-enough id.
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(b)
}

// ProtocolReport is an immutable snapshot produced by a protocol health test.
// It travels through the data pipeline like any other datum.
type ProtocolReport struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Warning   string    `json:"warning,omitempty"`
	Misc      string    `json:"misc,omitempty"`
}

// Datum renders the report as a pipeline datum owned by the given protocol.
func (r ProtocolReport) Datum(protocolID string) Datum {
	payload, _ := json.Marshal(r)
	return NewDatum(protocolID, KindReport, payload)
}

// HealthResult is the explicit value returned by every TestHealth call.
// Degraded means a problem was detected and the caller should attempt a
// restart of the tested unit.
type HealthResult struct {
	Degraded bool
	Error    string
	Warning  string
	Misc     string
}

// Merge folds another result into this one, concatenating diagnostics.
func (h *HealthResult) Merge(other HealthResult) {
	h.Degraded = h.Degraded || other.Degraded
	h.Error = joinDiag(h.Error, other.Error)
	h.Warning = joinDiag(h.Warning, other.Warning)
	h.Misc = joinDiag(h.Misc, other.Misc)
}

// Report converts accumulated health diagnostics into a timestamped report.
func (h HealthResult) Report() ProtocolReport {
	return ProtocolReport{
		Timestamp: time.Now().UTC(),
		Error:     h.Error,
		Warning:   h.Warning,
		Misc:      h.Misc,
	}
}

func joinDiag(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}

// ProbeDefinition describes one probe inside a protocol definition.
type ProbeDefinition struct {
	Kind         string        `json:"kind"`
	Enabled      bool          `json:"enabled"`
	PollInterval time.Duration `json:"poll_interval"`
}

// ProtocolDefinition is the serializable form of a protocol. Imported
// definitions always get a fresh ID and storage directory when materialized,
// so a shared definition can be installed on many devices without collision.
type ProtocolDefinition struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Probes               []ProbeDefinition `json:"probes"`
	LocalCommitInterval  time.Duration     `json:"local_commit_interval"`
	RemoteCommitInterval time.Duration     `json:"remote_commit_interval"`
	ForwardToRemote      bool              `json:"forward_to_remote"`
	ForceReportForward   bool              `json:"force_report_forward"`
	SinkURL              string            `json:"sink_url,omitempty"`
}

// AgentState is the supervisor's persisted state. It survives process
// restarts so previously running protocols resume on the next Start.
type AgentState struct {
	Version            int                  `json:"version"`
	Protocols          []ProtocolDefinition `json:"protocols"`
	RunningIDs         []string             `json:"running_ids"`
	HealthTestInterval time.Duration        `json:"health_test_interval"`
	HealthTestCount    int                  `json:"health_test_count"`
	TestsPerReport     int                  `json:"tests_per_report"`
}
