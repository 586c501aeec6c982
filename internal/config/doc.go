// Package config handles configuration loading for opsconsoled.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${OPSCONSOLE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ssh:
//	  dial_timeout: "15s"
//	agent:
//	  model_timeout: "90s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API and event streams
//
// Profile database:
//
//	database:
//	  path: "/var/lib/opsconsole/profiles.db"
//
// Conversation store:
//
//	store:
//	  root: "/var/lib/opsconsole/data"
//
// Authentication (optional, disabled when jwt_secret is empty):
//
//	auth:
//	  jwt_secret: "${OPSCONSOLE_JWT_SECRET}"
//
// Agent tuning:
//
//	agent:
//	  system_prompt: ""        # empty uses the built-in prompt
//	  max_tool_rounds: 8
//	  model_timeout: "2m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
