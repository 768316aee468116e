package archive

import "strings"

// Config configures the S3 result archive.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// AccessKeyID/SecretAccessKey are set:
//  1. Explicit AccessKeyID/SecretAccessKey
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials and config files, honoring Profile
//  4. Instance metadata / task role / IRSA
//
// For S3-compatible stores (MinIO, Wasabi, moto) set Endpoint and usually
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	// Bucket is the destination bucket (required).
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every object key. A trailing slash is implied.
	// Default: "parsekit/"
	Prefix string `mapstructure:"prefix"`

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when not
	// resolved from the environment or profile.
	Region string `mapstructure:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// Profile is the shared config profile name.
	Profile string `mapstructure:"profile"`

	// AccessKeyID is an explicit access key. SecretAccessKey must be set with it.
	AccessKeyID string `mapstructure:"access_key_id"`

	// SecretAccessKey is the explicit secret key.
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// DefaultPrefix is the key prefix used when Config.Prefix is empty.
const DefaultPrefix = "parsekit/"

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

func (c *Config) prefix() string {
	p := strings.Trim(c.Prefix, "/")
	if c.Prefix == "" {
		p = strings.TrimSuffix(DefaultPrefix, "/")
	}
	if p == "" {
		return ""
	}
	return p + "/"
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

// resolveRegion applies the us-east-1 fallback for AWS S3 after the SDK has
// resolved explicit, environment and profile regions.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
