package engine

import "github.com/Ernesto385291/finance-analyzer/pkg/api"

// Config holds configuration for the session engine.
type Config struct {
	// Validation bounds request sizes. Zero fields take the defaults from
	// api.DefaultValidationConfig.
	Validation api.ValidationConfig
}

// validation returns the effective validation limits.
func (c Config) validation() api.ValidationConfig {
	v := c.Validation
	d := api.DefaultValidationConfig()
	if v.MaxKeyLength <= 0 {
		v.MaxKeyLength = d.MaxKeyLength
	}
	if v.MaxCodeSize <= 0 {
		v.MaxCodeSize = d.MaxCodeSize
	}
	if v.MaxCommandSize <= 0 {
		v.MaxCommandSize = d.MaxCommandSize
	}
	if v.MaxPackages <= 0 {
		v.MaxPackages = d.MaxPackages
	}
	if v.MaxFiles <= 0 {
		v.MaxFiles = d.MaxFiles
	}
	if v.MaxUploadBytes <= 0 {
		v.MaxUploadBytes = d.MaxUploadBytes
	}
	return v
}
