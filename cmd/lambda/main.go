package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"streamchat/handler"
	"streamchat/internal/app"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, params, err := app.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// ---- Stores, clients and routes ----
	opts := []app.Option{app.WithLogger(logger)}
	if params != nil {
		opts = append(opts, app.WithParamStore(params))
	}
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialize app", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Router)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
