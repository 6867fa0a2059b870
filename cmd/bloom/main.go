package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/steveyackey/bloom/internal/cli"
)

func main() {
	// Best-effort .env overlay; agent CLIs inherit the resulting env.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
