package api

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// ValidationConfig holds request size limits.
type ValidationConfig struct {
	MaxKeyLength   int
	MaxCodeSize    int
	MaxCommandSize int
	MaxPackages    int
	MaxFiles       int
	MaxUploadBytes int
}

// DefaultValidationConfig returns the default limits.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxKeyLength:   128,
		MaxCodeSize:    1024 * 1024,
		MaxCommandSize: 64 * 1024,
		MaxPackages:    50,
		MaxFiles:       100,
		MaxUploadBytes: 50 * 1024 * 1024,
	}
}

var (
	// Conversation IDs, UUIDs and similar. "/" is reserved for tenant scoping.
	sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

	// A pip requirement: name, optional extras and version specifiers.
	packagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-\[\],<>=!~]*$`)
)

// ValidateSessionKey checks a session key taken from the URL.
func ValidateSessionKey(key string, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(key) == "" {
		return &APIError{Type: ErrorTypeInvalidRequest, Code: CodeInvalidKey, Param: "key", Message: "session key is required"}
	}
	if cfg.MaxKeyLength > 0 && len(key) > cfg.MaxKeyLength {
		return &APIError{Type: ErrorTypeInvalidRequest, Code: CodeInvalidKey, Param: "key",
			Message: fmt.Sprintf("session key exceeds %d characters", cfg.MaxKeyLength)}
	}
	if !sessionKeyPattern.MatchString(key) {
		return &APIError{Type: ErrorTypeInvalidRequest, Code: CodeInvalidKey, Param: "key",
			Message: "session key may only contain letters, digits, '.', '_', ':' and '-'"}
	}
	return nil
}

// ValidateRunCode checks a RunCodeRequest.
func ValidateRunCode(req *RunCodeRequest, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(req.Code) == "" {
		return NewInvalidRequestError("code", "code is required")
	}
	if cfg.MaxCodeSize > 0 && len(req.Code) > cfg.MaxCodeSize {
		return NewInvalidRequestError("code", fmt.Sprintf("code exceeds maximum size of %d bytes", cfg.MaxCodeSize))
	}
	if cfg.MaxPackages > 0 && len(req.Packages) > cfg.MaxPackages {
		return NewInvalidRequestError("packages", fmt.Sprintf("packages exceeds maximum of %d", cfg.MaxPackages))
	}
	for i, p := range req.Packages {
		if !packagePattern.MatchString(p) {
			return NewInvalidRequestError(fmt.Sprintf("packages[%d]", i), fmt.Sprintf("invalid package requirement %q", p))
		}
	}
	return nil
}

// ValidateRunCommand checks a RunCommandRequest.
func ValidateRunCommand(req *RunCommandRequest, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(req.Command) == "" {
		return NewInvalidRequestError("command", "command is required")
	}
	if cfg.MaxCommandSize > 0 && len(req.Command) > cfg.MaxCommandSize {
		return NewInvalidRequestError("command", fmt.Sprintf("command exceeds maximum size of %d bytes", cfg.MaxCommandSize))
	}
	return nil
}

// DecodeUploadFiles validates an upload and decodes its contents.
func DecodeUploadFiles(req *UploadFilesRequest, cfg ValidationConfig) ([]DecodedFile, *APIError) {
	if len(req.Files) == 0 {
		return nil, NewInvalidRequestError("files", "at least one file is required")
	}
	if cfg.MaxFiles > 0 && len(req.Files) > cfg.MaxFiles {
		return nil, NewInvalidRequestError("files", fmt.Sprintf("files exceeds maximum of %d", cfg.MaxFiles))
	}

	out := make([]DecodedFile, 0, len(req.Files))
	total := 0
	for i, f := range req.Files {
		dest := strings.TrimSpace(f.Destination)
		if dest == "" || strings.HasSuffix(dest, "/") {
			return nil, NewInvalidRequestError(fmt.Sprintf("files[%d].destination", i), "destination must name a file")
		}
		content, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, NewInvalidRequestError(fmt.Sprintf("files[%d].content", i), "content must be base64 encoded")
		}
		total += len(content)
		if cfg.MaxUploadBytes > 0 && total > cfg.MaxUploadBytes {
			return nil, NewInvalidRequestError("files", fmt.Sprintf("upload exceeds maximum size of %d bytes", cfg.MaxUploadBytes))
		}
		out = append(out, DecodedFile{Destination: dest, Content: content})
	}
	return out, nil
}
