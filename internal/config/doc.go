// Package config handles configuration loading for the conversation service.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CYBERIAD_CONFIG environment variable
//  2. ./cyberiad.yaml (current directory)
//  3. ~/.config/cyberiad/cyberiad.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CYBERIAD_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  invoke_timeout: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API and WebSocket endpoints
//
// Database:
//
//	database:
//	  path: "/var/lib/cyberiad/cyberiad.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${CYBERIAD_JWT_SECRET}"
//	  token_ttl: "24h"
//
// Agents:
//
//	agents:
//	  provider: "openai"
//	  model: "gpt-4"
//	  api_key: "${OPENAI_API_KEY}"
//	  roles_path: "./roles.toml"   # optional persona overrides
//	  max_concurrent: 4
//	  context_window: 30
//	  invoke_timeout: "60s"
//
// Live delivery:
//
//	hub:
//	  buffer_size: 64
//	  send_retries: 2
//	  send_timeout: "2s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/cyberiad/cyberiad.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
