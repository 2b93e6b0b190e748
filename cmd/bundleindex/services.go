// File path: cmd/bundleindex/services.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsforge/bundleindex/internal/common/process"
)

// startChromaService launches the bundled ChromaDB helper and waits for its
// heartbeat before the registry starts serving.
func startChromaService(ctx context.Context, logger *slog.Logger) (*process.ManagedService, error) {
	pythonBin, err := pythonBinary()
	if err != nil {
		return nil, err
	}
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	dataDir := filepath.Join(workDir, "chroma_data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare chroma data directory: %w", err)
	}

	for key, value := range map[string]string{
		"CHROMADB_HOST":   "127.0.0.1",
		"CHROMADB_PORT":   "8000",
		"CHROMADB_SCHEME": "http",
	} {
		if err := ensureEnvDefault(key, value); err != nil {
			return nil, err
		}
	}

	host := os.Getenv("CHROMADB_HOST")
	port := os.Getenv("CHROMADB_PORT")
	readyURL := fmt.Sprintf("%s://%s/api/v1/heartbeat", os.Getenv("CHROMADB_SCHEME"), net.JoinHostPort(host, port))
	return process.Start(ctx, process.ServiceConfig{
		Name:    "chromadb",
		Command: pythonBin,
		Args:    []string{filepath.Join("third_party", "python", "chromadb_server.py")},
		Env: []string{
			"PYTHONUNBUFFERED=1",
			fmt.Sprintf("CHROMADB_SERVER_HOST=%s", host),
			fmt.Sprintf("CHROMADB_SERVER_PORT=%s", port),
			fmt.Sprintf("CHROMADB_PERSIST_DIR=%s", dataDir),
		},
		ReadyURL:     readyURL,
		ReadyTimeout: 2 * time.Minute,
		StopTimeout:  5 * time.Second,
		Logger:       logger.With("component", "launcher", "service", "chromadb"),
	})
}

func stopChromaService(ctx context.Context, service *process.ManagedService, logger *slog.Logger) {
	if service == nil {
		return
	}
	if err := service.Stop(ctx); err != nil && logger != nil {
		logger.Warn("launcher: chromadb shutdown returned error", "error", err)
	}
}

func pythonBinary() (string, error) {
	candidate := strings.TrimSpace(os.Getenv("PYTHON_BIN"))
	if candidate == "" {
		candidate = "python3"
	}
	path, err := process.BinaryPath(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve python binary: %w", err)
	}
	return path, nil
}

func ensureEnvDefault(key, value string) error {
	if _, ok := os.LookupEnv(key); ok {
		return nil
	}
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
