package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Object names carried in the "object" field of responses.
const (
	ObjectSession   = "sandbox.session"
	ObjectExecution = "sandbox.execution"
	ObjectUpload    = "sandbox.upload"
	ObjectList      = "list"
)

// Session describes the sandbox bound to one session key.
type Session struct {
	Object         string `json:"object"`
	Key            string `json:"key"`
	SandboxID      string `json:"sandbox_id,omitempty"`
	Provider       string `json:"provider"`
	State          string `json:"state"`
	Phase          string `json:"phase"`
	Acquisitions   int64  `json:"acquisitions"`
	CreatedAt      int64  `json:"created_at"`
	LastAcquiredAt int64  `json:"last_acquired_at"`
}

// SessionList is a page of sessions ordered by key.
type SessionList struct {
	Object   string    `json:"object"`
	Data     []Session `json:"data"`
	FirstKey string    `json:"first_key,omitempty"`
	LastKey  string    `json:"last_key,omitempty"`
	HasMore  bool      `json:"has_more"`
}

// Packages is a list of pip requirements. In JSON it is either an array
// of strings or a single comma-separated string.
type Packages []string

// UnmarshalJSON accepts ["a", "b"] as well as "a, b".
func (p *Packages) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*p = Packages(trimAll(list))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("packages must be a string or an array of strings")
	}
	*p = Packages(trimAll(strings.Split(s, ",")))
	return nil
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RunCodeRequest runs Python code in the session's sandbox.
type RunCodeRequest struct {
	Code     string   `json:"code"`
	Packages Packages `json:"packages,omitempty"`
}

// RunCommandRequest runs a shell command in the session's sandbox.
type RunCommandRequest struct {
	Command string `json:"command"`
}

// UploadFile is one file in an upload. Content is base64 encoded.
type UploadFile struct {
	Destination string `json:"destination"`
	Content     string `json:"content"`
}

// UploadFilesRequest places files in the session's sandbox. Relative
// destinations resolve against the sandbox workspace directory.
type UploadFilesRequest struct {
	Files []UploadFile `json:"files"`
}

// DecodedFile is an UploadFile with its content decoded.
type DecodedFile struct {
	Destination string
	Content     []byte
}

// ExecutionResult is the output of a code run or command.
type ExecutionResult struct {
	Object     string `json:"object"`
	ID         string `json:"id"`
	SessionKey string `json:"session_key"`
	SandboxID  string `json:"sandbox_id"`
	Result     string `json:"result"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// UploadResult acknowledges an upload.
type UploadResult struct {
	Object     string `json:"object"`
	ID         string `json:"id"`
	SessionKey string `json:"session_key"`
	SandboxID  string `json:"sandbox_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Files      int    `json:"files"`
}
