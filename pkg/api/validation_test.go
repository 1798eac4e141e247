package api

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestValidateSessionKey(t *testing.T) {
	cfg := DefaultValidationConfig()
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"uuid", "3f2b8c1e-4a5d-4e6f-9a7b-1c2d3e4f5a6b", false},
		{"cuid-like", "clx9k2m0a0000qzrmn4b8c1d2", false},
		{"dotted", "chat.42:thread_7", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"slash", "tenant/conv", true},
		{"leading dash", "-conv", true},
		{"space", "conv 1", true},
		{"too long", strings.Repeat("a", 129), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionKey(tt.key, cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSessionKey(%q) = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil && (err.Code != CodeInvalidKey || err.Param != "key") {
				t.Errorf("err = %+v", err)
			}
		})
	}
}

func TestValidateRunCode(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.MaxCodeSize = 16
	cfg.MaxPackages = 2
	tests := []struct {
		name      string
		req       RunCodeRequest
		wantParam string
	}{
		{"ok", RunCodeRequest{Code: "print(1)"}, ""},
		{"ok with packages", RunCodeRequest{Code: "print(1)", Packages: Packages{"pandas>=2.0", "uvicorn[standard]"}}, ""},
		{"empty code", RunCodeRequest{Code: " "}, "code"},
		{"code too large", RunCodeRequest{Code: strings.Repeat("x", 17)}, "code"},
		{"too many packages", RunCodeRequest{Code: "x", Packages: Packages{"a", "b", "c"}}, "packages"},
		{"shell metacharacters", RunCodeRequest{Code: "x", Packages: Packages{"pandas; rm -rf /"}}, "packages[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunCode(&tt.req, cfg)
			if tt.wantParam == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", err.Param, tt.wantParam)
			}
		})
	}
}

func TestValidateRunCommand(t *testing.T) {
	cfg := DefaultValidationConfig()
	if err := ValidateRunCommand(&RunCommandRequest{Command: "ls -la"}, cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateRunCommand(&RunCommandRequest{}, cfg); err == nil || err.Param != "command" {
		t.Errorf("empty command: %v", err)
	}
}

func TestDecodeUploadFiles(t *testing.T) {
	cfg := DefaultValidationConfig()
	enc := base64.StdEncoding.EncodeToString

	files, apiErr := DecodeUploadFiles(&UploadFilesRequest{Files: []UploadFile{
		{Destination: "data.csv", Content: enc([]byte("a,b\n"))},
		{Destination: " /tmp/x ", Content: enc([]byte("x"))},
	}}, cfg)
	if apiErr != nil {
		t.Fatalf("DecodeUploadFiles: %v", apiErr)
	}
	if len(files) != 2 || string(files[0].Content) != "a,b\n" || files[1].Destination != "/tmp/x" {
		t.Errorf("files = %+v", files)
	}

	cfg.MaxUploadBytes = 4
	tests := []struct {
		name      string
		req       UploadFilesRequest
		wantParam string
	}{
		{"no files", UploadFilesRequest{}, "files"},
		{"no destination", UploadFilesRequest{Files: []UploadFile{{Content: enc([]byte("x"))}}}, "files[0].destination"},
		{"directory", UploadFilesRequest{Files: []UploadFile{{Destination: "out/", Content: enc([]byte("x"))}}}, "files[0].destination"},
		{"bad base64", UploadFilesRequest{Files: []UploadFile{{Destination: "a", Content: "%%%"}}}, "files[0].content"},
		{"too large", UploadFilesRequest{Files: []UploadFile{
			{Destination: "a", Content: enc([]byte("abc"))},
			{Destination: "b", Content: enc([]byte("def"))},
		}}, "files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeUploadFiles(&tt.req, cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", err.Param, tt.wantParam)
			}
		})
	}
}
