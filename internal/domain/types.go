package domain

// Metadata is a free-form JSON-compatible mapping.
type Metadata map[string]any
