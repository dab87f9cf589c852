// Package archive packs session workspaces into tar.gz bundles and uploads
// them to S3 or an S3-compatible store.
package archive

import "strings"

// Config configures an S3 archiver.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi) set
// Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket receives the archives (required).
	Bucket string

	// Prefix is prepended to every key. Defaults to "workspaces".
	Prefix string

	// Region is the AWS region. Empty defers to env/profile, then us-east-1
	// when no custom Endpoint is configured.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile to use.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host.
	ForcePathStyle bool

	// Exclude lists doublestar patterns, relative to the workspace root,
	// that are left out of the archive.
	Exclude []string
}

// DefaultPrefix is the key prefix used when Config.Prefix is empty.
const DefaultPrefix = "workspaces"

// DefaultAWSRegion is the fallback region for AWS S3.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if _, err := compileExcludes(c.Exclude); err != nil {
		return &ConfigError{Field: "Exclude", Message: err.Error()}
	}
	return nil
}

func (c *Config) prefix() string {
	p := strings.Trim(strings.TrimSpace(c.Prefix), "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}
