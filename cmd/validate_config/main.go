package main

import (
	"fmt"
	"os"

	"fossibot-bridge/internal/config"
	"fossibot-bridge/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: validate_config <config-file>")
		os.Exit(1)
	}

	configPath := os.Args[1]
	fmt.Printf("📄 Loading config from: %s\n", configPath)

	// warnings (unknown keys etc.) should reach the terminal
	if err := logger.Init(logger.LogLevelWarn); err != nil {
		fmt.Printf("❌ Logger init failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("❌ Error loading config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Config loaded successfully!\n")
	fmt.Printf("   Local broker: %s:%d (client id %q)\n", cfg.Mosquitto.Host, cfg.Mosquitto.Port, cfg.Mosquitto.ClientID)
	if cfg.Mosquitto.Username != "" {
		fmt.Printf("   Broker auth: username %q\n", cfg.Mosquitto.Username)
	} else {
		fmt.Printf("   Broker auth: anonymous\n")
	}

	fmt.Printf("   Accounts: %d\n", len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		state := "enabled"
		if !acc.IsEnabled() {
			state = "disabled"
		}
		fmt.Printf("     - %s (%s)\n", acc.Email, state)
	}

	fmt.Printf("   Cache: %s\n", cfg.Cache.Directory)
	fmt.Printf("     Token safety margin: %ds, max token TTL: %ds\n", cfg.Cache.TokenTTLSafetyMargin, cfg.Cache.MaxTokenTTL)
	fmt.Printf("     Device list TTL: %ds\n", cfg.Cache.DeviceListTTL)
	fmt.Printf("   Status publish interval: %ds\n", cfg.Bridge.StatusPublishInterval)
	fmt.Printf("   Reconnect delays: %d..%ds\n", cfg.Bridge.ReconnectDelayMin, cfg.Bridge.ReconnectDelayMax)
	fmt.Printf("   Log level: %s\n", cfg.Daemon.LogLevel)
	if cfg.Daemon.HealthPort > 0 {
		fmt.Printf("   Health endpoint: :%d\n", cfg.Daemon.HealthPort)
	} else {
		fmt.Printf("   Health endpoint: disabled\n")
	}

	fmt.Println("\n✅ Configuration is valid!")
}
