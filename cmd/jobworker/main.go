package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker"
	"github.com/roadrunner-server/jobworker/internal/config"
	"github.com/roadrunner-server/jobworker/internal/logger"
	"github.com/roadrunner-server/jobworker/registry"
	"go.uber.org/zap"
)

type httpConfig struct {
	Address string `mapstructure:"address"`
}

func main() {
	path := flag.String("c", "jobworker.yaml", "path to the configuration file")
	flag.Parse()

	err := run(*path)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run(path string) error {
	const op = errors.Op("jobworker_run")

	cfg, err := config.NewFromFile(path)
	if err != nil {
		return errors.E(op, err)
	}

	logCfg := &logger.Config{}
	if cfg.Has("logs") {
		err = cfg.UnmarshalKey("logs", logCfg)
		if err != nil {
			return errors.E(op, err)
		}
	}

	lg, err := logger.New(logCfg)
	if err != nil {
		return errors.E(op, err)
	}
	defer func() {
		_ = lg.Sync()
	}()

	log := lg.NamedLogger("main")

	p := &jobworker.Plugin{}
	err = p.Init(cfg, lg)
	if err != nil {
		return errors.E(op, err)
	}

	err = registerHandlers(p, log)
	if err != nil {
		return errors.E(op, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := p.Serve()

	hcfg := &httpConfig{Address: "127.0.0.1:2114"}
	if cfg.Has("http") {
		err = cfg.UnmarshalKey("http", hcfg)
		if err != nil {
			return errors.E(op, err)
		}
	}

	app := newApp(p)
	go func() {
		errL := app.Listen(hcfg.Address)
		if errL != nil {
			log.Error("http server stopped", zap.Error(errL))
		}
	}()

	log.Info("jobworker started", zap.String("http", hcfg.Address), zap.Strings("workers", p.List()))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
		if err != nil {
			log.Error("plugin serve error", zap.Error(err))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errS := app.ShutdownWithContext(sctx)
	if errS != nil {
		log.Error("http server shutdown", zap.Error(errS))
	}

	errS = p.Stop(sctx)
	if errS != nil {
		return errors.E(op, errS)
	}

	return err
}

func newApp(p *jobworker.Plugin) *fiber.App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(p.MetricsCollector()...)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(p.Status())
	})

	app.Get("/status/:worker", func(c *fiber.Ctx) error {
		st, ok := p.WorkerStatus(c.Params("worker"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no such worker")
		}
		return c.JSON(st)
	})

	app.Post("/workers/:worker/pause", func(c *fiber.Ctx) error {
		err := p.Pause(c.Params("worker"))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/workers/:worker/resume", func(c *fiber.Ctx) error {
		err := p.Resume(c.Params("worker"))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/failed", func(c *fiber.Ctx) error {
		recs, err := p.ListFailed(c.UserContext(), c.QueryInt("limit", 100))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(recs)
	})

	app.Post("/failed/:id/retry", func(c *fiber.Ctx) error {
		err := p.RetryFailed(c.UserContext(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	return app
}

// registerHandlers binds the demo handlers, real deployments register their own.
func registerHandlers(p *jobworker.Plugin, log *zap.Logger) error {
	err := p.Register("log", registry.HandlerFunc(func(_ context.Context, payload []byte) error {
		log.Info("job payload", zap.ByteString("payload", payload))
		return nil
	}))
	if err != nil {
		return err
	}

	return p.Register("sleep", registry.WithFailureHook(
		registry.HandlerFunc(func(ctx context.Context, _ []byte) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
		func(_ context.Context, payload []byte, cause error) error {
			log.Warn("sleep job failed permanently", zap.ByteString("payload", payload), zap.Error(cause))
			return nil
		},
	))
}
