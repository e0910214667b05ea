// relay: WebSocket bridge between browser clients and the OpenAI
// realtime voice API. One session per connection, bidirectional audio
// and text with barge-in.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openduck/mallard/internal/config"
	"github.com/openduck/mallard/internal/log"
	"github.com/openduck/mallard/internal/observe"
	"github.com/openduck/mallard/pkg/relay"
	"github.com/openduck/mallard/pkg/tools"
)

var (
	version    = "1.0.0"
	configPath = flag.String("config", "", "Path to YAML config file")
	port       = flag.Int("port", 0, "HTTP server port (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Server.LogLevel = "debug"
	}

	log.Init(cfg.Server.LogLevel)
	lg := log.L()

	shutdown, err := observe.InitProvider(context.Background(), "mallard", version)
	if err != nil {
		lg.Error("metrics init failed", "err", err)
		os.Exit(1)
	}

	reg := tools.NewRegistry()
	reg.Register((&tools.WeatherLookup{}).Tool())

	srv := relay.NewServer(cfg, reg)

	app := fiber.New(fiber.Config{
		AppName:               "mallard",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(logger.New())
	}

	srv.RegisterRoutes(app)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"version":  version,
			"sessions": srv.SessionCount(),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		lg.Info("relay listening", "addr", addr, "model", cfg.Provider.Model)
		if err := app.Listen(addr); err != nil {
			lg.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down")
	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		lg.Warn("shutdown error", "err", err)
	}
	if err := shutdown(ctx); err != nil {
		lg.Warn("metrics shutdown error", "err", err)
	}
}
