package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateState(&cfg.State)
	v.validateBatch(&cfg.Batch)
	v.validateAgent(&cfg.Agent)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of auto, text, json")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	if strings.TrimSpace(cfg.Dir) == "" {
		v.addError("state.dir", cfg.Dir, "must not be empty")
	}
}

func (v *Validator) validateBatch(cfg *BatchConfig) {
	if cfg.GlobalMaxOutstanding < 1 {
		v.addError("batch.global_max_outstanding", cfg.GlobalMaxOutstanding, "must be at least 1")
	}
	if cfg.DefaultTimeout <= 0 {
		v.addError("batch.default_timeout", cfg.DefaultTimeout, "must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		v.addError("batch.heartbeat_interval", cfg.HeartbeatInterval, "must be positive")
	}
	if cfg.AbandonAfter < cfg.HeartbeatInterval {
		v.addError("batch.abandon_after", cfg.AbandonAfter, "must be at least heartbeat_interval")
	}
	if cfg.AllowlistCeiling < 1 {
		v.addError("batch.allowlist_ceiling", cfg.AllowlistCeiling, "must be at least 1")
	}
	for _, root := range cfg.SafeOverwriteRoots {
		if strings.HasPrefix(root, "/") || strings.Contains(root, "..") {
			v.addError("batch.safe_overwrite_roots", root, "must be repository-relative")
		}
	}
}

func (v *Validator) validateAgent(cfg *AgentConfig) {
	if strings.TrimSpace(cfg.Bin) == "" {
		v.addError("agent.bin", cfg.Bin, "must not be empty")
	}
}
