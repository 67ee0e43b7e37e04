// Package appconfig handles the ambient process configuration for mcp-router.
//
// # Overview
//
// This is the process-level layer: where to log, whether to expose metrics,
// and where the router config document (internal/routerconfig) lives. It is
// loaded once at startup from a YAML file.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	metrics:
//	  addr: "${METRICS_ADDR}"
//
// Syntax: ${VAR_NAME}
//
// # Usage
//
//	cfg, err := appconfig.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package appconfig
