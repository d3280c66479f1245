package types

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Deduplicated, sorted model names known to the backend or currently loaded.
	// example: ["llama3:latest","mistral:latest"]
	Models []string `json:"models" example:"llama3:latest"`
}

// PullResponse is returned by POST /pull/{model} on success.
type PullResponse struct {
	// example: success
	Status string `json:"status" example:"success"`
	// example: Model llama3 pulled successfully
	Message string `json:"message" example:"Model llama3 pulled successfully"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid model name
	Error string `json:"error" example:"invalid model name"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// HandleStatus summarizes a live model handle for /status.
type HandleStatus struct {
	// example: llama3
	Model string `json:"model" example:"llama3"`
	// Creation time (unix seconds).
	// example: 1700000000
	CreatedUnix int64 `json:"created_unix" example:"1700000000"`
	// Last time this handle served a request (unix seconds).
	// example: 1700000100
	LastUsedUnix int64 `json:"last_used_unix" example:"1700000100"`
	// Number of sessions currently borrowing the handle.
	// example: 1
	InUse int `json:"in_use" example:"1"`
}

// PullStatus summarizes an in-flight model pull for /status.
type PullStatus struct {
	// example: mistral
	Model string `json:"model" example:"mistral"`
	// Callers waiting on this pull, including the one that started it.
	// example: 2
	Waiters int `json:"waiters" example:"2"`
	// example: 1700000000
	StartedUnix int64 `json:"started_unix" example:"1700000000"`
	// Latest backend progress status line.
	// example: downloading
	Phase string `json:"phase,omitempty" example:"downloading"`
	// example: 104857600
	Completed int64 `json:"completed,omitempty" example:"104857600"`
	// example: 4109853248
	Total int64 `json:"total,omitempty" example:"4109853248"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Backend kind serving inference (ollama or llamacpp).
	// example: ollama
	Backend string `json:"backend" example:"ollama"`
	// Live model handles.
	Handles []HandleStatus `json:"handles"`
	// Pulls currently in flight.
	Pulls []PullStatus `json:"pulls"`
	// Open streaming sessions.
	// example: 3
	Sessions int `json:"sessions" example:"3"`
	// Maximum number of live handles.
	// example: 100
	MaxHandles int `json:"max_handles" example:"100"`
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
