// Modx runs chat turns against an OpenAI-compatible API through a signed
// conversation cache, and inspects the cache.
//
// Usage:
//
//	modx chat --session demo "Hello"     # start or continue a cached conversation
//	modx cache get demo                  # print the cached conversation
//	modx cache ttl demo                  # remaining time to live
//	modx cache keys 'demo*'              # list keys
//	modx cache clear                     # delete every key in the namespace
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgduncan/modx-cache/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()

	os.Exit(code)
}
