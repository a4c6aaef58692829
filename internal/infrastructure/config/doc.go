// Package config loads and validates the bioauth service configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, an optional .env file and the process environment. The device
// address can be supplied entirely through ZKTECO_IP and ZKTECO_PORT, so a
// YAML file is not required.
//
// Security Considerations:
//   - The device comm key and InfluxDB token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.Address())
package config
