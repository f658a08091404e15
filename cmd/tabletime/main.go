package main

import "github.com/joho/godotenv"

func main() {
	// A local .env is optional; environment variables still override the config file.
	_ = godotenv.Load()

	Execute()
}
