package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydoc/internal/mirror"
)

var (
	baseURL        string
	requestTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "relaydocctl",
	Short:         "Inspect and edit relaydoc documents",
	Long:          `relaydocctl talks to a relaydoc server: list and create documents, print content and history, or mirror a document into a local file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// newClient is swapped out by tests.
var newClient = func() *mirror.Client {
	return mirror.NewClient(baseURL, &http.Client{Timeout: requestTimeout})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", envOrDefault("RELAYDOC_BASE_URL", "http://127.0.0.1:8080"), "relaydoc base URL")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", durationEnv("RELAYDOC_TIMEOUT", 15*time.Second), "per-request timeout")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
