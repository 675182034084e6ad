package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldGroupID is the standardized structured logging key for group identifiers.
	FieldGroupID = "group_id"
	// FieldPartIndex is the standardized structured logging key for fragment part indices.
	FieldPartIndex = "part_index"
	// FieldWorker is the standardized structured logging key for dispatcher worker identities.
	FieldWorker = "worker"
	// FieldTier is the standardized structured logging key for staging tier kinds.
	FieldTier = "tier"
	// FieldEventType is the standardized structured logging key for machine-readable event names.
	FieldEventType = "event_type"
	// FieldErrorHint suggests a next step when a warning or error is logged.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for the user-facing consequence of a warning.
	FieldImpact = "impact"
)
