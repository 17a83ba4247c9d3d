package models

import "time"

// Incident is a tracked production issue with a lifecycle status.
type Incident struct {
	ID          string
	Title       string
	Description string
	Status      IncidentStatus
	Severity    Severity
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

// TimelineEvent records a notable moment during an incident. Immutable once written.
type TimelineEvent struct {
	ID          string
	IncidentID  string
	Timestamp   time.Time
	EventType   EventType
	Title       string
	Description string
	Source      string
	SourceID    string
	Metadata    map[string]string
}

// EvidenceItem is an artifact (log, metric, screenshot, trace, pr) attached to an incident.
// EmbeddedLen records the content length the stored embedding was computed from;
// an embedding is stale whenever it differs from len(Content).
type EvidenceItem struct {
	ID           string
	IncidentID   string
	EvidenceType string
	Title        string
	Content      string
	Source       string
	SourceURL    string
	FilePath     string
	Embedding    []float32
	EmbeddedLen  int
	CreatedAt    time.Time
}

// Hypothesis is a candidate root-cause explanation with a confidence score.
type Hypothesis struct {
	ID                 string
	IncidentID         string
	Title              string
	Description        string
	Confidence         float64
	Rank               int
	Status             HypothesisStatus
	SupportingEvidence []string
	CreatedAt          time.Time
}

// Action is a recommended next step for an incident.
type Action struct {
	ID          string
	IncidentID  string
	Title       string
	Description string
	ActionType  string
	Status      ActionStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Runbook is an operational document searchable by embedding similarity.
type Runbook struct {
	ID          string
	Title       string
	Description string
	Content     string
	Service     string
	Tags        []string
	Embedding   []float32
	EmbeddedLen int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Postmortem is a generated draft review of a finished incident.
type Postmortem struct {
	ID                  string
	IncidentID          string
	Title               string
	Summary             string
	RootCause           string
	ContributingFactors []string
	Impact              string
	Resolution          string
	FollowUps           []string
	CreatedAt           time.Time
}

// WebhookEndpoint is a registered subscriber for lifecycle notifications.
type WebhookEndpoint struct {
	ID            string
	URL           string
	Secret        string
	Events        []string
	Active        bool
	LastTriggered *time.Time
	CreatedAt     time.Time
}

// IncidentStatus enumerates incident lifecycle states.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusClosed        IncidentStatus = "closed"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HypothesisStatus enumerates hypothesis review states.
type HypothesisStatus string

const (
	HypothesisPending       HypothesisStatus = "pending"
	HypothesisInvestigating HypothesisStatus = "investigating"
	HypothesisConfirmed     HypothesisStatus = "confirmed"
	HypothesisRejected      HypothesisStatus = "rejected"
)

// ActionStatus enumerates action progress states.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionSkipped    ActionStatus = "skipped"
)

// EventType categorises timeline events.
type EventType string

const (
	EventAlert        EventType = "alert"
	EventDeployment   EventType = "deployment"
	EventLogError     EventType = "log_error"
	EventMetricSpike  EventType = "metric_spike"
	EventManualAction EventType = "manual_action"
)

// Lifecycle event names delivered to outbound webhook subscribers.
const (
	LifecycleIncidentCreated     = "incident.created"
	LifecycleIncidentUpdated     = "incident.updated"
	LifecycleHypothesisGenerated = "hypothesis.generated"
)

// LifecycleEvent is a state-change notification consumed by the outbound dispatcher.
type LifecycleEvent struct {
	Event string
	Data  map[string]any
}
