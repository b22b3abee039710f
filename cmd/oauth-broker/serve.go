package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cloudauth/oauthbroker/config"
	"github.com/cloudauth/oauthbroker/pkg/httpclient"
	oblog "github.com/cloudauth/oauthbroker/pkg/log"
	"github.com/cloudauth/oauthbroker/server"
	"github.com/cloudauth/oauthbroker/store"
	"github.com/cloudauth/oauthbroker/web"
)

type serveOptions struct {
	httpAddr      string
	httpsAddr     string
	telemetryAddr string
	tlsCrt        string
	tlsKey        string
	logLevel      string
	logFormat     string
	wellKnownDir  string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags]",
		Short:   "Launch the OAuth broker",
		Example: "oauth-broker serve --web-http-addr :5556",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.httpAddr, "web-http-addr", ":5556", "Web HTTP address")
	flags.StringVar(&options.httpsAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", ":5558", "Telemetry address (metrics, healthz)")
	flags.StringVar(&options.tlsCrt, "tls-cert", "", "TLS certificate file, required if web-https-addr is set")
	flags.StringVar(&options.tlsKey, "tls-key", "", "TLS private key file, required if web-https-addr is set")
	flags.StringVar(&options.wellKnownDir, "well-known-dir", "", "Directory served at /.well-known/ for ACME challenges")
	flags.StringVar(&options.logLevel, "log-level", "info", "Logging level (debug, info, error)")
	flags.StringVar(&options.logFormat, "log-format", "text", "Logging format (text, json)")

	return cmd
}

// serverRunner pairs an *http.Server with the run.Group lifecycle.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger oblog.Logger
}

func newServerRunner(name string, srv *http.Server, logger oblog.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

func runServe(options serveOptions) error {
	slogger, err := newLogger(parseSlogLevel(options.logLevel), options.logFormat)
	if err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	legacyLogger, err := newLegacyLogger(options.logLevel, options.logFormat)
	if err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	c, err := config.Load(os.Getenv)
	if err != nil {
		return err
	}
	slogger.Info("config loaded", "hostname", c.Hostname, "app_name", c.AppName, "services", len(c.Records))

	rootHTTPClient, err := httpclient.NewHTTPClient(nil, false)
	if err != nil {
		return fmt.Errorf("building http client: %w", err)
	}
	recycling := httpclient.NewRecyclingClient(rootHTTPClient, httpclient.RecycleInterval)
	defer recycling.Close()

	var blobStore store.Store
	if c.Storage != "" {
		dir, err := parseStorageDir(c.Storage)
		if err != nil {
			return fmt.Errorf("parsing STORAGE: %w", err)
		}
		fileStore, err := store.NewFileStore(dir)
		if err != nil {
			return fmt.Errorf("opening blob store at %s: %w", dir, err)
		}
		blobStore = fileStore
	} else {
		slogger.Info("no STORAGE configured, every login mints a V2-only AuthId")
	}

	renderer, err := web.NewHTMLRenderer(web.FS())
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	cat := c.Catalog()

	prometheusRegistry := prometheus.NewRegistry()
	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "catalog",
			CheckFunc: func() (interface{}, error) {
				if len(cat.List()) == 0 {
					return nil, fmt.Errorf("catalog has no configured services")
				}
				return "ok", nil
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})
	if c.Storage != "" {
		dir, _ := parseStorageDir(c.Storage)
		healthChecker.RegisterCheck(&gosundheit.Config{
			Check: &checks.CustomCheck{
				CheckName: "storage",
				CheckFunc: func() (interface{}, error) {
					if _, err := os.Stat(dir); err != nil {
						return nil, err
					}
					return "ok", nil
				},
			},
			ExecutionPeriod:  15 * time.Second,
			InitiallyPassing: true,
		})
	}

	srv, err := server.NewServer(server.Config{
		Hostname:           c.Hostname,
		AppName:            c.AppName,
		DisplayName:        c.DisplayName,
		PrivacyPolicyURL:   c.PrivacyPolicyURL,
		Catalog:            cat,
		Store:              blobStore,
		HTTPClient:         recycling.Client(),
		Renderer:           renderer,
		PrometheusRegistry: prometheusRegistry,
		HealthChecker:      healthChecker,
		Logger:             slogger,
		AccessLogger:       legacyLogger,
		WellKnownDir:       options.wellKnownDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", server.MetricsHandler(prometheusRegistry))
	telemetryRouter.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))

	var gr run.Group

	if options.telemetryAddr != "" {
		telemetrySrv := &http.Server{Addr: options.telemetryAddr, Handler: telemetryRouter}
		defer telemetrySrv.Close()

		telemetryRunner := newServerRunner("http/telemetry", telemetrySrv, legacyLogger)
		if err := telemetryRunner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if options.httpAddr != "" {
		httpSrv := &http.Server{Addr: options.httpAddr, Handler: srv}
		defer httpSrv.Close()

		httpRunner := newServerRunner("http", httpSrv, legacyLogger)
		if err := httpRunner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if options.httpsAddr != "" {
		httpsSrv := &http.Server{Addr: options.httpsAddr, Handler: srv}
		defer httpsSrv.Close()

		httpsRunner := newServerRunner("https", httpsSrv, legacyLogger).WithTLS(options.tlsCrt, options.tlsKey)
		if err := httpsRunner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		legacyLogger.Infof("%v, shutdown now", err)
	}
	return nil
}

// parseStorageDir resolves the STORAGE env var ("path" or
// "file://...?pathmapped=true") down to a plain directory path. The
// pathmapped query flag describes a sharded-by-prefix layout for very
// large stores; this broker's store.FileStore always lays files out flat,
// so the flag is accepted and ignored rather than rejected outright.
func parseStorageDir(storage string) (string, error) {
	if !strings.HasPrefix(storage, "file://") {
		return storage, nil
	}
	u, err := url.Parse(storage)
	if err != nil {
		return "", err
	}
	return u.Path, nil
}

func newLegacyLogger(level, format string) (oblog.Logger, error) {
	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("log level is not one of the supported values (%s): %s", strings.Join(logLevels, ", "), level)
	}

	l := logrus.New()
	l.SetLevel(logLevel)
	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(logFormats, ", "), format)
	}
	return oblog.NewLogrusLogger(l), nil
}

var logLevels = []string{"debug", "info", "warning", "error"}
