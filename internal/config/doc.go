// Package config handles configuration loading for upkeep.
//
// # Overview
//
// Configuration is loaded from YAML files, or TOML when the file name ends
// in .toml, with environment variable expansion. Unset fields get defaults
// and the result is validated before it is returned.
//
// # Configuration File
//
// The upkeep command looks in (first match wins):
//
//  1. The --config flag
//  2. Path from UPKEEP_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/upkeep/upkeep.yaml
//  4. ~/.config/upkeep/upkeep.yaml
//
// # Environment Variable Expansion
//
//	database:
//	  path: "${UPKEEP_DATA_DIR}/upkeep.db"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	database:
//	  path: "/var/lib/upkeep/upkeep.db"   # required
//	  busy_timeout: "5s"
//	  statement_cache_size: 128          # prepared statements kept per connection
//	  driver: "purego"                   # informational, the sqlite_cgo build tag decides
//
//	migrations:
//	  allow_schema_rollback: false
//
//	maintenance:
//	  period: "168h"
//	  compaction_day: "sunday"
//	  sweep_sessions: true
//
//	auth:
//	  lock_threshold: 5
//	  lock_duration: "30m"
//	  session_lifetime: "24h"
//	  bcrypt_cost: 10
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # rotated with lumberjack when set
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// Durations use Go's time.ParseDuration syntax and must be positive.
package config
