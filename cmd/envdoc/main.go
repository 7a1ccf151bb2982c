package main

import (
	"fmt"
	"os"

	"ratelimiter/internal/config"
)

func main() {
	fmt.Println("# Rate Limiter Environment Variables")
	fmt.Println()
	fmt.Println("Environment variables override values from the configuration file.")
	fmt.Println("A `.env` file in the working directory is loaded first; variables already set win.")
	fmt.Println()
	fmt.Println("`RATE_LIMIT_REQUESTS`, `RATE_LIMIT_WINDOW` (seconds), `SHARED_STORE_URL` and")
	fmt.Printf("`SHARED_STORE_TIMEOUT_MS` take precedence over the `%s_` overrides.\n", config.EnvPrefix)
	fmt.Println()
	fmt.Println("## Available Environment Variables")
	fmt.Println()

	for _, v := range config.EnvExample() {
		fmt.Printf("- `%s` (e.g. `%s`)\n", v.Name, v.Example)
	}

	fmt.Println()
	fmt.Println("## Examples")
	fmt.Println()
	fmt.Println("```bash")
	fmt.Println("# 100 requests per minute per client, shared through Redis")
	fmt.Println("export RATE_LIMIT_REQUESTS=100")
	fmt.Println("export RATE_LIMIT_WINDOW=60")
	fmt.Println("export SHARED_STORE_URL=redis://localhost:6379/0")
	fmt.Println()
	fmt.Println("# Serve the gRPC health service behind the limiter")
	fmt.Println("export RATELIMITER_GRPC_ENABLED=true")
	fmt.Println("export RATELIMITER_GRPC_PORT=9090")
	fmt.Println()
	fmt.Println("./ratelimiter -config ratelimiter.yaml")
	fmt.Println("```")

	os.Exit(0)
}
