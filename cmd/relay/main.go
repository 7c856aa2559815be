package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"wa-inbox/internal/app"
	"wa-inbox/internal/config"
	"wa-inbox/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	format := cfg.LogFormat
	if format == "" {
		format = "json"
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, format)
	slog.SetDefault(logger)

	// ---- Handler ----
	h, err := app.NewRelay(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create relay", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
