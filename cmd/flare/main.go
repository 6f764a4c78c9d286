package main

import (
	"github.com/joho/godotenv"

	"flare-signals/internal/cli"
)

func main() {
	_ = godotenv.Load(".env")
	cli.Execute()
}
