// Package config handles loading and validating the device-link coordinator configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with DSLINK_* environment variables
//   - Struct-tag validation via go-playground/validator plus cross-field checks
//   - Default value handling
//
// Security Considerations:
//   - Broker credentials are forwarded to edge devices in their configuration
//     payload; use a broker account scoped to the stream exchange
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Broker.Exchange)
package config
