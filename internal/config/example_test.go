package config_test

import (
	"fmt"
	"log"
	"os"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/config"
)

func ExampleLoad() {
	os.Setenv("CATALOG_URL", "https://earth-search.aws.element84.com/v1")
	defer os.Unsetenv("CATALOG_URL")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Server: %s\n", cfg.Server.Address())
	fmt.Printf("Catalog: %s\n", cfg.Catalog.URL)
	fmt.Printf("Cache TTL: %s\n", cfg.Cache.TTL)
	fmt.Printf("Asset rule: %s\n", cfg.Mosaic.AssetRule)

	// Output:
	// Server: 0.0.0.0:8080
	// Catalog: https://earth-search.aws.element84.com/v1
	// Cache TTL: 5m0s
	// Asset rule: first
}
