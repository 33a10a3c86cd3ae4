// Package health provides shared types for health check responses.
package health

// Response represents the API liveness response structure.
type Response struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		Service   string `json:"service"`
		StartedAt string `json:"started_at"`
		Uptime    string `json:"uptime"`
		UptimeSec int64  `json:"uptime_sec"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// ReadyResponse represents the API readiness response structure.
type ReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		Sections    int    `json:"sections"`
		CaseVersion uint64 `json:"case_version"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// Member represents one supervised address in the members response.
type Member struct {
	Address  string `json:"address"`
	Healthy  bool   `json:"healthy"`
	Misses   int    `json:"misses"`
	Disabled bool   `json:"disabled"`
}

// MembersResponse represents the API member liveness response structure.
type MembersResponse struct {
	Status string   `json:"status"`
	Data   []Member `json:"data"`
	Error  string   `json:"error,omitempty"`
}
