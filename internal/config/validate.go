package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks a Config for structural and semantic errors. It returns a
// slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", cfg.Server.Port),
		})
	}

	if cfg.Limits.MaxConcurrentJobs < 1 {
		errs = append(errs, ValidationError{
			Field:   "limits.max_concurrent_jobs",
			Message: "must be at least 1",
		})
	}
	if cfg.Limits.SegmentMaxSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "limits.segment_max_size",
			Message: "must be at least 1",
		})
	}
	if cfg.Limits.PassThroughThreshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "limits.pass_through_threshold",
			Message: "must not be negative",
		})
	}
	if cfg.Limits.HistoryCompressionThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "limits.history_compression_threshold",
			Message: "must be at least 1",
		})
	}

	if cfg.Models.Default.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "models.default.model",
			Message: "is required",
		})
	}
	if cfg.Models.Default.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "models.default.api_key",
			Message: fmt.Sprintf("is required (or set %s)", APIKeyEnv),
		})
	}

	if !recognizedLevels[cfg.Logging.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unrecognized level %q", cfg.Logging.Level),
		})
	}

	return errs
}
