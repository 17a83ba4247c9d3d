package models

// SignalKind tags the variants of a normalized inbound signal.
type SignalKind string

const (
	SignalMerge         SignalKind = "merge"
	SignalAlertTrigger  SignalKind = "alert_triggered"
	SignalAlertResolved SignalKind = "alert_resolved"
	SignalGeneric       SignalKind = "generic"
)

// Signal is the canonical form every inbound webhook payload is normalized
// into before it reaches shared incident logic. Exactly one variant field is
// set, selected by Kind.
type Signal struct {
	Kind    SignalKind
	Source  string
	Merge   *MergeSignal
	Alert   *AlertSignal
	Generic *GenericSignal
}

// MergeSignal describes a merged pull request / deployment event.
type MergeSignal struct {
	ExternalID string
	Title      string
	Number     int
	Repo       string
	URL        string
	MergedBy   string
}

// AlertSignal describes an alert lifecycle event from an alerting system.
type AlertSignal struct {
	ExternalID  string
	Title       string
	Description string
	Urgency     string
	URL         string
	Service     string
}

// GenericSignal is the unstructured catch-all inbound shape.
type GenericSignal struct {
	Title       string
	Description string
	Severity    Severity
}

// SeverityFromUrgency maps an alerting-system urgency onto a Severity.
func SeverityFromUrgency(urgency string) Severity {
	if urgency == "high" {
		return SeverityHigh
	}
	return SeverityMedium
}
