package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydoc/internal/mirror"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror [doc-id]",
	Short: "Mirror a document into a local file",
	Long: `Joins the document as a live session and keeps a local file in step with it.
Saves to the file are sent as edits; edits from other sessions are written back.`,
	Args: cobra.ExactArgs(1),
	RunE: runMirror,
}

var (
	mirrorFile            string
	mirrorUser            string
	mirrorName            string
	mirrorHeartbeat       time.Duration
	mirrorHeartbeatJitter float64
	mirrorDebounce        time.Duration
)

func init() {
	mirrorCmd.Flags().StringVarP(&mirrorFile, "file", "f", "", "local file (defaults to <doc-id>.txt)")
	mirrorCmd.Flags().StringVarP(&mirrorUser, "user", "u", envOrDefault("RELAYDOC_USER", os.Getenv("USER")), "user id to join as")
	mirrorCmd.Flags().StringVar(&mirrorName, "name", strings.TrimSpace(os.Getenv("RELAYDOC_NAME")), "display name")
	mirrorCmd.Flags().DurationVar(&mirrorHeartbeat, "heartbeat", durationEnv("RELAYDOC_HEARTBEAT", 10*time.Second), "heartbeat interval")
	mirrorCmd.Flags().Float64Var(&mirrorHeartbeatJitter, "heartbeat-jitter", floatEnv("RELAYDOC_HEARTBEAT_JITTER", 0.2), "heartbeat jitter ratio (0.0-1.0)")
	mirrorCmd.Flags().DurationVar(&mirrorDebounce, "debounce", 50*time.Millisecond, "delay before reading a saved file")
	rootCmd.AddCommand(mirrorCmd)
}

func runMirror(cmd *cobra.Command, args []string) error {
	documentID := args[0]
	if strings.TrimSpace(mirrorUser) == "" {
		return errors.New("user is required (--user or RELAYDOC_USER)")
	}
	path := mirrorFile
	if path == "" {
		path = strings.ReplaceAll(documentID, "/", "_") + ".txt"
	}
	logger := log.New(cmd.ErrOrStderr(), "relaydocctl: ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	replica, err := mirror.Dial(ctx, mirror.ReplicaOptions{
		BaseURL:           baseURL,
		DocumentID:        documentID,
		UserID:            mirrorUser,
		Name:              mirrorName,
		HTTPClient:        &http.Client{Timeout: requestTimeout},
		Logger:            logger,
		HeartbeatInterval: jitteredIntervalWithSample(mirrorHeartbeat, mirrorHeartbeatJitter, rng.Float64()),
	})
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", documentID, err)
	}
	defer replica.Close()

	fm, err := mirror.NewFileMirror(replica, mirror.FileMirrorOptions{
		Path:     path,
		Logger:   logger,
		Debounce: mirrorDebounce,
	})
	if err != nil {
		return err
	}
	session := replica.Session()
	cmd.Printf("Mirroring %s into %s as %s (session %s)\n", documentID, fm.Path(), session.UserID, session.ID)

	err = fm.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Printf("mirror stopping: %v", err)
		return nil
	}
	return err
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to jitterRatio in either
// direction, using sample in [0, 1] to pick the point.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return base
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
