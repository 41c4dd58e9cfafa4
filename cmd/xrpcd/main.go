package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atgraph/xrpc/core/logx"
	"github.com/atgraph/xrpc/core/secret"
	"github.com/atgraph/xrpc/internal/config"
	"github.com/atgraph/xrpc/internal/metrics"
	"github.com/atgraph/xrpc/lexicon"
	"github.com/atgraph/xrpc/ratelimit"
	"github.com/atgraph/xrpc/server"
	"github.com/atgraph/xrpc/xrpc"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	cfg := loadConfig()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if *showVersion {
		fmt.Printf("xrpcd %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	var store ratelimit.Store
	if cfg.RedisAddr != "" {
		rs, err := ratelimit.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
		store = rs
	} else {
		store = ratelimit.NewMemoryStore()
	}

	rl := &server.RateLimitOptions{
		Store: store,
		Global: []server.Limit{
			{Name: "global-ip", Duration: 5 * time.Minute, Points: 3000},
		},
	}
	if cfg.BypassHeader != "" && cfg.BypassSecret != "" {
		rl.Bypass = func(r *http.Request) bool {
			return r.Header.Get(cfg.BypassHeader) == cfg.BypassSecret
		}
		logx.Log.Info().Str("header", cfg.BypassHeader).
			Str("secret", secret.Mask(cfg.BypassSecret)).
			Msg("rate limit bypass enabled")
	}

	lex, err := exampleLexicons()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build lexicons")
	}
	srv, err := server.New(server.Options{
		Lexicons:         lex,
		ValidateResponse: cfg.ValidateResponse,
		BlobLimit:        cfg.BlobLimit,
		RateLimits:       rl,
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build server")
	}
	registerExamples(srv)

	preg := prometheus.NewRegistry()
	metrics.Register(preg)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener")
			}
		}()
	}
	r.Mount("/", srv)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logx.Log.Info().Int("port", cfg.Port).Str("version", version).Msg("xrpcd listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("serve")
	}
}

// loadConfig layers the configuration sources so that each later one
// wins: built-in defaults, then the YAML file, then the environment.
// Flags are bound afterwards in main, seeded with these values, so
// anything given on the command line wins over all of them.
func loadConfig() config.ServerConfig {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if path := configPathArg(os.Args[1:]); path != "" {
		cfg.ConfigFile = path
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
		// the file must not shadow values set in the environment
		cfg.ApplyEnv()
	}
	return cfg
}

// configPathArg peeks at the raw arguments for a -config flag. The file it
// names has to be loaded before flag.Parse runs, because the flags are
// seeded with the loaded values.
func configPathArg(args []string) string {
	for i, a := range args {
		name, val, eq := strings.Cut(a, "=")
		if name != "-config" && name != "--config" {
			continue
		}
		if eq {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// exampleLexicons declares the demo methods the stock binary serves.
func exampleLexicons() (*lexicon.Registry, error) {
	return lexicon.NewRegistry(
		&lexicon.Method{
			NSID: "io.example.ping",
			Type: lexicon.Query,
			Parameters: &lexicon.Params{
				Required:   []string{"message"},
				Properties: map[string]*lexicon.Property{"message": {Type: lexicon.TypeString}},
			},
			Output: &lexicon.BodySchema{Encoding: "text/plain"},
		},
		&lexicon.Method{
			NSID: "io.example.echo",
			Type: lexicon.Procedure,
			Input: &lexicon.BodySchema{
				Encoding: "application/json",
				Schema: &lexicon.Property{
					Type:       lexicon.TypeObject,
					Required:   []string{"message"},
					Properties: map[string]*lexicon.Property{"message": {Type: lexicon.TypeString}},
				},
			},
			Output: &lexicon.BodySchema{Encoding: "application/json"},
		},
		&lexicon.Method{
			NSID: "io.example.countdown",
			Type: lexicon.Subscription,
			Parameters: &lexicon.Params{
				Required:   []string{"countdown"},
				Properties: map[string]*lexicon.Property{"countdown": {Type: lexicon.TypeInteger}},
			},
		},
	)
}

func registerExamples(srv *server.Server) {
	must := func(err error) {
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("register method")
		}
	}
	must(srv.MethodFunc("io.example.ping", func(ctx context.Context, req *server.Request) (xrpc.Output, error) {
		msg, _ := req.Params["message"].(string)
		return &xrpc.RecordOutput{Encoding: "text/plain", Body: msg}, nil
	}))
	must(srv.Method("io.example.echo", server.MethodConfig{
		Handler: func(ctx context.Context, req *server.Request) (xrpc.Output, error) {
			return &xrpc.RecordOutput{Encoding: "application/json", Body: req.Input.Body}, nil
		},
		RateLimits: []server.RouteRateLimit{{Duration: time.Minute, Points: 120}},
	}))
	must(srv.StreamMethod("io.example.countdown", server.StreamConfig{
		Handler: func(ctx context.Context, req *server.StreamRequest) <-chan any {
			ch := make(chan any)
			go func() {
				defer close(ch)
				n, _ := req.Params["countdown"].(int64)
				for i := n; i >= 0; i-- {
					select {
					case ch <- map[string]any{"count": i}:
					case <-ctx.Done():
						return
					}
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
			}()
			return ch
		},
	}))
}

var httpLog = logx.Component("http")

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		httpLog.Info().Str("method", r.Method).Str("url", r.URL.String()).Int("status", lw.status).Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
