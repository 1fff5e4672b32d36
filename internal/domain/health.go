package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// ReconciliationStats is returned by GET /v1/admin/reconciliation/stats.
type ReconciliationStats struct {
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	Ambiguous          int64   `json:"ambiguous"`
	RacesLost          int64   `json:"racesLost"`
	Activations        int64   `json:"activations"`
	ActivationFailures int64   `json:"activationFailures"`
	Orphans            int64   `json:"orphans"`
	SweepsRun          int64   `json:"sweepsRun"`
	SweepsSkipped      int64   `json:"sweepsSkipped"`
	ActivationRate     float64 `json:"activationRate"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ListResponse wraps paginated list results.
type ListResponse[T any] struct {
	Data     []T  `json:"data"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
