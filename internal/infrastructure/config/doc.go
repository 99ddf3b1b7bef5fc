// Package config loads the bridge configuration.
//
// Values come from built-in defaults, then a YAML file, then EBUSBRIDGE_*
// environment variables; Load validates the merged result and reports
// every problem at once. Secrets (the MQTT password, JWT secret and
// InfluxDB token) are best supplied through the environment. Config.String
// redacts them, so a loaded Config can be logged as is.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, c := range cfg.Ebusd.Circuits {
//	    fmt.Println(c.Name, c.UpdateEvery())
//	}
package config
