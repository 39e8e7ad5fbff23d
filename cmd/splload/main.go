// Package main provides the splload CLI, the operational entry point of the
// SPL warehouse loader.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// Loader adapters register themselves with the registry.
	_ "github.com/gowthamrao/spl-load/internal/loader/postgres"
	_ "github.com/gowthamrao/spl-load/internal/loader/sqlite"
)

// Exit codes of the CLI.
const (
	exitSuccess     = 0
	exitConfigError = 1
	exitLoaderError = 2
	exitPartial     = 3
	exitCanceled    = 130
)

// rootCtx is canceled on SIGINT/SIGTERM; every command threads it through.
var rootCtx context.Context

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	code := exitSuccess
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		code = classifyExit(err)
	} else if partialRun {
		code = exitPartial
	}
	os.Exit(code)
}

// classifyExit maps an error to the documented exit code.
func classifyExit(err error) int {
	if errors.Is(err, context.Canceled) {
		return exitCanceled
	}
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return exitConfigError
	}
	// Everything else reached the loader or the filesystem.
	return exitLoaderError
}

// configError marks failures that happened before any I/O: bad flags, bad
// configuration, unknown adapters.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
