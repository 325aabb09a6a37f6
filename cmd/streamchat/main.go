package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"streamchat/internal/cli"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	if err := cli.NewRootCommand().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(cli.GetExitCode(err))
	}
}
