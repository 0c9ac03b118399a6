package models

// Health statuses returned by destination probes.
const (
	HealthOK    = "ok"
	HealthError = "error"
)

// HealthStatus is the result of one component probe.
type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
