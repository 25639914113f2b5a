package config_test

import (
	"fmt"

	"github.com/wonny/backtester/pkg/config"
)

// Example demonstrates how to use the config package
func Example() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	// Access configuration values
	fmt.Printf("Server running on port: %s\n", cfg.Port)
	fmt.Printf("Engine concurrency: %d\n", cfg.Engine.Concurrency)
	fmt.Printf("Data provider: %s\n", cfg.Data.Provider)
}
