package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relayd/internal/config"
	"relayd/internal/httpapi"
	"relayd/internal/registry"
	"relayd/internal/session"
)

const shutdownGrace = 10 * time.Second

type serveOptions struct {
	addr         string
	defaultModel string
	corsOrigins  string
	prewarm      bool
	swagger      bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Example: "  relayd serve\n" +
			"  relayd serve --addr :9000 --default-model llama3\n" +
			"  relayd serve --prewarm --config relayd.yaml",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root, os.Getenv)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.Addr = opts.addr
			}
			if f.Changed("default-model") {
				cfg.DefaultModel = opts.defaultModel
			}
			if f.Changed("cors-origins") {
				cfg.CORS.Enabled = true
				cfg.CORS.AllowedOrigins = splitCSV(opts.corsOrigins)
			}
			if f.Changed("swagger") {
				cfg.Swagger = opts.swagger
			}
			log, err := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			return serve(cmd.Context(), cfg, log, ln, opts.prewarm)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "", "HTTP listen address, e.g. :8000")
	f.StringVar(&opts.defaultModel, "default-model", "", "Model bound to /ws when the path names none")
	f.StringVar(&opts.corsOrigins, "cors-origins", "", "Comma-separated allowed origins; enables CORS")
	f.BoolVar(&opts.prewarm, "prewarm", false, "Reload the models recorded in registry.state_file on startup")
	f.BoolVar(&opts.swagger, "swagger", false, "Serve the Swagger UI under /swagger/")
	return cmd
}

// serve runs the server on ln until ctx is done, then drains sessions and
// releases every model handle.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger, ln net.Listener, prewarm bool) error {
	be, err := newBackend(cfg, log)
	if err != nil {
		_ = ln.Close()
		return err
	}
	reg := registry.New(registryConfig(cfg, be, log))
	sup := session.NewSupervisor(reg, sessionConfig(cfg, log), originChecker(cfg.CORS))

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)
	httpapi.SetSwagger(cfg.Swagger)
	httpapi.SetDefaultModel(cfg.DefaultModel)

	srv := &http.Server{
		Handler:           httpapi.NewMux(reg, sup),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Str("backend", be.Name()).Msg("relayd listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return reg.Run(gctx) })
	if prewarm && cfg.Registry.StateFile != "" {
		g.Go(func() error {
			names, err := registry.LoadState(cfg.Registry.StateFile)
			if err != nil {
				log.Warn().Err(err).Msg("read registry state")
				return nil
			}
			if n := reg.Prewarm(gctx, names); n > 0 {
				log.Info().Int("models", n).Msg("prewarmed models")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := sup.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
		if cfg.Registry.StateFile != "" {
			if err := reg.SaveState(cfg.Registry.StateFile); err != nil {
				log.Warn().Err(err).Msg("save registry state")
			}
		}
		if err := reg.Close(); err != nil {
			errs = append(errs, err)
		}
		log.Info().Msg("relayd stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}
