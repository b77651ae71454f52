package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data, err = toJSON(path, data)
	if err != nil {
		result.Errors = append(result.Errors, ValidationError{Message: err.Error()})
		return result, nil
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", VersionPrefix)
	} else if !strings.HasPrefix(version, VersionPrefix) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, VersionPrefix)
	}

	validateURLField(rawConfig, "issuerUri", true, result)
	validateStringField(rawConfig, "clientId", true, result)
	validateURLField(rawConfig, "homeUrl", true, result)
	validateURLField(rawConfig, "redirectUri", false, result)
	validateURLField(rawConfig, "silentRedirectUri", false, result)
	validateURLField(rawConfig, "postLoginRedirectUrl", false, result)

	if secret, exists := rawConfig["clientSecret"]; exists {
		validateSecretReference(secret, "clientSecret", result)
		result.addWarning("clientSecret", "a client secret cannot be kept secret in a browser application. Hint: use a public client with PKCE")
	}

	validateScopes(rawConfig["scopes"], result)
	validateDurationField(rawConfig, "idleSessionLifetime", result)
	validateDurationField(rawConfig, "silentSignInTimeout", result)

	if autoLogin, exists := rawConfig["autoLogin"]; exists {
		if _, ok := autoLogin.(bool); !ok {
			result.addError("autoLogin", "autoLogin must be a boolean")
		}
	}

	if params, exists := rawConfig["extraQueryParams"]; exists {
		m, ok := params.(map[string]any)
		if !ok {
			result.addError("extraQueryParams", "extraQueryParams must be an object")
		} else {
			for k, v := range m {
				if !isStringOrEnvRef(v) {
					result.addError("extraQueryParams."+k, "value must be a string or {\"$env\": \"VAR\"}")
				}
			}
		}
	}

	return result, nil
}

func isStringOrEnvRef(v any) bool {
	switch t := v.(type) {
	case string:
		return true
	case map[string]any:
		name, ok := t["$env"].(string)
		return ok && name != "" && len(t) == 1
	}
	return false
}

func validateStringField(raw map[string]any, field string, required bool, result *ValidationResult) (string, bool) {
	v, exists := raw[field]
	if !exists {
		if required {
			result.addError(field, "%s is required", field)
		}
		return "", false
	}
	if !isStringOrEnvRef(v) {
		result.addError(field, "%s must be a string or {\"$env\": \"VAR\"}", field)
		return "", false
	}
	s, isLiteral := v.(string)
	if isLiteral && s == "" && required {
		result.addError(field, "%s cannot be empty", field)
	}
	return s, isLiteral
}

func validateURLField(raw map[string]any, field string, required bool, result *ValidationResult) {
	s, isLiteral := validateStringField(raw, field, required, result)
	if !isLiteral || s == "" {
		return
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result.addError(field, "%s must be an absolute http(s) URL, got '%s'", field, s)
		return
	}
	if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		result.addWarning(field, "%s uses plain http. Hint: tokens travel through this URL; use https outside local development", field)
	}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func validateScopes(v any, result *ValidationResult) {
	if v == nil {
		return
	}
	list, ok := v.([]any)
	if !ok {
		result.addError("scopes", "scopes must be an array of strings")
		return
	}
	hasOpenID := false
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			result.addError(fmt.Sprintf("scopes[%d]", i), "scope must be a string")
			continue
		}
		if s == "openid" {
			hasOpenID = true
		}
	}
	if !hasOpenID {
		result.addWarning("scopes", "'openid' is not listed; it is always requested")
	}
}

func validateDurationField(raw map[string]any, field string, result *ValidationResult) {
	v, exists := raw[field]
	if !exists {
		return
	}
	s, ok := v.(string)
	if !ok {
		result.addError(field, "%s must be a duration string like \"30m\"", field)
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.addError(field, "invalid duration '%s': %v", s, err)
		return
	}
	if d < 0 {
		result.addError(field, "%s cannot be negative", field)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		// Check if it looks like a bash-style env var
		bashStyleRegex := regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			varName := matches[1]
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion and ensures security", v, varName),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

func validateSecretReference(secret any, path string, result *ValidationResult) {
	if err := validateEnvVarReference(secret, "clientSecret", path); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindAllString(v, -1); len(matches) > 0 {
			for _, match := range matches {
				varName := strings.Trim(match, "${}")
				result.Warnings = append(result.Warnings, ValidationError{
					Path:    path,
					Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName),
				})
			}
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := path
			if newPath == "" {
				newPath = key
			} else {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			newPath := fmt.Sprintf("%s[%d]", path, i)
			checkBashStyleSyntax(item, newPath, result)
		}
	}
}
