package event

import (
	"encoding/json"
	"time"
)

// ConnectorSpec is the persisted description of a connector instance.
type ConnectorSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Kind        string          `json:"kind" yaml:"kind"`
	Config      json.RawMessage `json:"config" yaml:"config"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

// DestinationSpec is the persisted description of a destination instance.
type DestinationSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Kind        string          `json:"kind" yaml:"kind"`
	Config      json.RawMessage `json:"config" yaml:"config"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

// FlowSpec binds one connector to an ordered, deduplicated set of
// destinations with a batching policy.
type FlowSpec struct {
	Name             string        `json:"name" yaml:"name"`
	ConnectorName    string        `json:"connector_name" yaml:"connector_name"`
	DestinationNames []string      `json:"destination_names" yaml:"destination_names"`
	BatchSize        int           `json:"batch_size" yaml:"batch_size"`
	MaxLinger        time.Duration `json:"max_linger" yaml:"max_linger"`
	AutoStart        bool          `json:"auto_start" yaml:"auto_start"`
	Description      string        `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt        time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" yaml:"updated_at"`
}

// DefaultBatchSize and DefaultMaxLinger are applied by the orchestrator
// when a FlowSpec omits them.
const (
	DefaultBatchSize = 100
	DefaultMaxLinger = 500 * time.Millisecond
)

// Normalize fills in default batch size and linger for an incoming FlowSpec.
func (f *FlowSpec) Normalize() {
	if f.BatchSize <= 0 {
		f.BatchSize = DefaultBatchSize
	}
	if f.MaxLinger == 0 {
		f.MaxLinger = DefaultMaxLinger
	}
	if f.MaxLinger < 0 {
		f.MaxLinger = 0
	}
}

// Status is one of the Supervisor's lifecycle states.
type Status string

const (
	StatusInactive  Status = "Inactive"
	StatusStarting  Status = "Starting"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusStopping  Status = "Stopping"
	StatusFailed    Status = "Failed"
)

// FlowStatus is the live lifecycle state of a flow's supervisor.
type FlowStatus struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// DestinationMetrics counts writes for a single destination within a flow.
type DestinationMetrics struct {
	WritesOK     int64 `json:"writes_ok"`
	WritesFailed int64 `json:"writes_failed"`
}

// FailureRecord is a bounded, most-recent-first trace of why a destination
// write gave up. It is not a logging/observability subsystem — it is the
// minimal shape the control plane needs to answer "why did writes_failed
// increment" without requiring log access.
type FailureRecord struct {
	Destination string    `json:"destination"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error"`
	At          time.Time `json:"at"`
}

// FlowMetrics is a snapshot of a supervisor's counters.
type FlowMetrics struct {
	MessagesReceived int64                          `json:"messages_received"`
	RecordsProcessed int64                          `json:"records_processed"`
	Errors           int64                          `json:"errors"`
	StartedAt        time.Time                      `json:"started_at,omitempty"`
	UptimeSeconds    float64                        `json:"uptime_seconds"`
	PerDestination   map[string]DestinationMetrics  `json:"per_destination,omitempty"`
	RecentFailures   []FailureRecord                `json:"recent_failures,omitempty"`
}
