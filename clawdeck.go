package main

import (
	"github.com/joho/godotenv"

	cli "github.com/clawdeck/clawdeck/cmd/clawdeck"
)

func main() {
	// Load .env from the working directory if present; config applies
	// the data-dir .env later.
	_ = godotenv.Load()

	cli.Execute()
}
