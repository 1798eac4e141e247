// Package podserver implements the small HTTP protocol spoken by the
// server that runs inside Kubernetes sandbox pods, and a client for it.
//
// The pod server exposes four endpoints:
//
//	POST /execute  run Python code
//	POST /command  run a shell command
//	POST /files    write files into the pod
//	GET  /health   report capacity and load
package podserver

// ExecuteRequest is the request body for POST /execute.
type ExecuteRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// CommandRequest is the request body for POST /command.
type CommandRequest struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ExecResponse is the response from POST /execute and POST /command.
type ExecResponse struct {
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Combined returns stdout followed by stderr.
func (r *ExecResponse) Combined() string {
	return r.Stdout + r.Stderr
}

// UploadFile is one file in an upload. Content is base64 encoded.
type UploadFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// UploadRequest is the request body for POST /files.
type UploadRequest struct {
	Files []UploadFile `json:"files"`
}

// UploadResponse is the response from POST /files.
type UploadResponse struct {
	Written int `json:"written"`
}

// HealthResponse is the response from GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	RuntimeVersion string `json:"runtime_version"`
	Capacity       int    `json:"capacity"`
	CurrentLoad    int    `json:"current_load"`
	UptimeSecs     int64  `json:"uptime_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}
