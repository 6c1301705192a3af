// Package main implements semscoped, the microscope daemon. The root process loads a
// microscope file, launches one child process per hardware container and builds the
// components across them; each child runs the `container` command.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

const appName = "semscoped"

// Set with -ldflags "-X main.Version=... -X main.BuildTime=..."
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("semscoped failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
