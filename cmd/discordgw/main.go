// Command discordgw opens a single Discord Gateway connection and logs the
// dispatch events it receives until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pyyupsk/discordgw/internal/gateway"
	"github.com/pyyupsk/discordgw/internal/gatewayapi"
)

func main() {
	_ = godotenv.Load()

	var (
		token            = flag.String("token", "", "bot token (overrides -env-token)")
		envToken         = flag.String("env-token", "DISCORD_TOKEN", "environment variable to read the bot token from")
		standardIntents  = flag.Bool("standard-intents", true, "request the non-privileged default intent set")
		noIntents        = flag.Bool("no-intents", false, "request no intents at all")
		zlibStream       = flag.Bool("zlib-stream", false, "request zlib-stream transport compression")
		logLevel         = flag.String("log-level", "info", "log level: debug, info, warn, error")
		disableReconnect = flag.Bool("disable-auto-reconnect", false, "exit instead of reconnecting when the connection ends")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	botToken := *token
	if botToken == "" {
		botToken = os.Getenv(*envToken)
	}
	if botToken == "" {
		logger.Error("no bot token provided", "flag", "-token", "env", *envToken)
		os.Exit(1)
	}

	intents := 0
	if *standardIntents && !*noIntents {
		intents = defaultIntents
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiClient := gatewayapi.NewClient(botToken)

	client, err := gateway.Open(ctx, gateway.Config{
		Token:                botToken,
		Intents:              intents,
		ZlibStream:           *zlibStream,
		GatewayURLProvider:   apiClient.GatewayURLProvider(),
		DisableAutoReconnect: *disableReconnect,
		Logger:               logger,
		Handler:              logEvent(logger),
	})
	if err != nil {
		logger.Error("failed to start gateway client", "error", err)
		os.Exit(1)
	}

	go waitForShutdown(logger, cancel)

	if err := client.Wait(); err != nil {
		logger.Error("gateway connection ended with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway connection closed cleanly")
}

// defaultIntents is the non-privileged intent set a basic bot needs:
// guilds, guild messages, direct messages, and message content opt-outs are
// left to the caller via -no-intents if they need a narrower set.
const defaultIntents = 1<<0 | 1<<9 | 1<<12

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func logEvent(logger *slog.Logger) gateway.Handler {
	return func(ev gateway.Event) {
		var preview any
		if len(ev.Data) > 0 && len(ev.Data) < 512 {
			_ = json.Unmarshal(ev.Data, &preview)
		}
		logger.Info("dispatch event", "type", ev.Type, "seq", ev.Seq, "data", fmt.Sprintf("%v", preview))
	}
}

func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancel()
}
