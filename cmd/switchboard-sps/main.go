// Command switchboard-sps is the standalone SPS relay server (spec.md
// §4.4, §6). Grounded on cmd/wtd/main.go's single-command cobra +
// ctx-driven graceful shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/switchboard/internal/direct"
	"github.com/ehrlich-b/switchboard/internal/logger"
)

func main() {
	var host string
	var port int
	var pass string
	var quiet bool
	var statsSeconds int
	var pingText bool
	var pingSeconds int

	root := &cobra.Command{
		Use:   "switchboard-sps",
		Short: "Standalone SPS relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := direct.ServerConfig{
				Addr:          fmt.Sprintf("%s:%d", host, port),
				PassCode:      pass,
				Quiet:         quiet,
				StatsInterval: time.Duration(statsSeconds) * time.Second,
				PingText:      pingText,
				PingInterval:  time.Duration(pingSeconds) * time.Second,
				Log:           logger.Log,
			}

			srv := direct.NewServer(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if !quiet {
				fmt.Printf("switchboard-sps listening on %s\n", cfg.Addr)
			}
			return srv.ListenAndServe(ctx)
		},
	}

	root.Flags().StringVar(&host, "host", envOr("SPS_HOST", "0.0.0.0"), "listen host")
	root.Flags().IntVar(&port, "port", envOrInt("SPS_PORT", 8080), "listen port")
	root.Flags().StringVar(&pass, "pass", os.Getenv("SPS_PASS"), "required passcode")
	root.Flags().BoolVar(&quiet, "quiet", envOrBool("SPS_QUIET", false), "suppress periodic stats logging")
	root.Flags().IntVar(&statsSeconds, "stats", envOrInt("SPS_STAT_FREQ", 0), "periodic stats interval in seconds (0 disables)")
	root.Flags().BoolVar(&pingText, "ping_text", envOrBool("SPS_PING_TEXT", false), "use text \"ping\" frames instead of WS-level pings")
	root.Flags().IntVar(&pingSeconds, "ping", envOrInt("SPS_PING_FREQ", 30), "liveness ping interval in seconds")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
