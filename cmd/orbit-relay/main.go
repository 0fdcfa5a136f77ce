package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/orbitsh/orbit-relay/auth"
	"github.com/orbitsh/orbit-relay/internal/version"
	"github.com/orbitsh/orbit-relay/observability"
	"github.com/orbitsh/orbit-relay/observability/prom"
	"github.com/orbitsh/orbit-relay/relay/hub"
	"github.com/orbitsh/orbit-relay/relay/server"
	"github.com/orbitsh/orbit-relay/store"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController toggles the Prometheus exposition at runtime.
type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicRelayObserver
	h        *hub.Hub
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicRelayObserver, h *hub.Hub) *metricsController {
	return &metricsController{handler: handler, observer: observer, h: h}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	relayObs := prom.NewRelayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(relayObs)
	clients, anchors := c.h.Counts()
	relayObs.ConnCount(observability.RoleClient, clients)
	relayObs.ConnCount(observability.RoleAnchor, anchors)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopRelayObserver)
	c.enabled = false
}

type ready struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	Date         string `json:"date"`
	Listen       string `json:"listen"`
	ClientWSURL  string `json:"client_ws_url"`
	AnchorWSURL  string `json:"anchor_ws_url"`
	HTTPURL      string `json:"http_url"`
	HealthURL    string `json:"health_url"`
	MetricsURL   string `json:"metrics_url,omitempty"`
	DatabasePath string `json:"database_path"`
	AuthMode     string `json:"auth_mode"`
}

// newConfig binds the ORBIT_* environment to defaults. Flags layer on top.
func newConfig() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("orbit")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen", "127.0.0.1:8787")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("database_path", "orbit-relay.db")
	v.SetDefault("auth_mode", auth.ModeBasic)
	v.SetDefault("retention", store.DefaultMessageRetention)
	v.SetDefault("multi_dispatch_timeout", hub.DefaultMultiDispatchTimeout)
	v.SetDefault("access_ttl", time.Hour)
	v.SetDefault("refresh_ttl", 7*24*time.Hour)
	v.SetDefault("anchor_access_ttl", 24*time.Hour)
	v.SetDefault("anchor_refresh_ttl", 30*24*time.Hour)
	v.SetDefault("device_code_ttl", 10*time.Minute)
	v.SetDefault("device_verification_url", "http://localhost:5173/device")
	v.SetDefault("web_jwt_secret", "dev-web-secret-change-me")
	v.SetDefault("anchor_jwt_secret", "dev-anchor-secret-change-me")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("debug", false)

	return v
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	v := newConfig()

	fs := flag.NewFlagSet("orbit-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	listen := fs.String("listen", v.GetString("listen"), "listen address (env: ORBIT_LISTEN)")
	metricsListen := fs.String("metrics-listen", v.GetString("metrics_listen"), "listen address for metrics server (empty disables) (env: ORBIT_METRICS_LISTEN)")
	dbPath := fs.String("db", v.GetString("database_path"), "sqlite database path, or :memory: (env: ORBIT_DATABASE_PATH)")
	authMode := fs.String("auth-mode", v.GetString("auth_mode"), "auth mode: basic or passkey (env: ORBIT_AUTH_MODE)")
	debug := fs.Bool("debug", v.GetBool("debug"), "enable debug logging (env: ORBIT_DEBUG)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of orbit-relay:\n")
		fs.PrintDefaults()
		printSignalHelp(stderr)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logger.Sync()

	storeCfg := store.DefaultConfig(*dbPath)
	storeCfg.MessageRetention = v.GetInt("retention")
	storeCfg.ArtifactRetention = v.GetInt("retention")
	storeCfg.AccessTTL = v.GetDuration("access_ttl")
	storeCfg.RefreshTTL = v.GetDuration("refresh_ttl")
	storeCfg.AnchorAccessTTL = v.GetDuration("anchor_access_ttl")
	storeCfg.AnchorRefreshTTL = v.GetDuration("anchor_refresh_ttl")
	st, err := store.Open(storeCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer st.Close()

	authCfg := auth.Config{
		Mode:            *authMode,
		WebJWTSecret:    v.GetString("web_jwt_secret"),
		AnchorJWTSecret: v.GetString("anchor_jwt_secret"),
		AccessTTL:       v.GetDuration("access_ttl"),
	}
	a, err := auth.New(authCfg, st)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	observer := observability.NewAtomicRelayObserver()
	hubCfg := hub.DefaultConfig()
	hubCfg.Store = st
	hubCfg.Logger = logger.Named("hub")
	hubCfg.Observer = observer
	hubCfg.MultiDispatchTimeout = v.GetDuration("multi_dispatch_timeout")
	h, err := hub.New(hubCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Hub = h
	srvCfg.Store = st
	srvCfg.Auth = a
	srvCfg.Logger = logger.Named("http")
	srvCfg.DeviceCodeTTL = v.GetDuration("device_code_ttl")
	srvCfg.DeviceVerificationURL = v.GetString("device_verification_url")
	srvCfg.CORSOrigin = v.GetString("cors_origin")
	s, err := server.New(srvCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if *metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer, h)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", *metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Fatal("metrics server", zap.Error(err))
			}
		}()
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	srv := newHTTPServer(s.Handler())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	bindAddr := ln.Addr().String()
	out := ready{
		Version:      buildVersion,
		Commit:       buildCommit,
		Date:         buildDate,
		Listen:       bindAddr,
		ClientWSURL:  "ws://" + bindAddr + "/ws/client",
		AnchorWSURL:  "ws://" + bindAddr + "/ws/anchor",
		HTTPURL:      "http://" + bindAddr,
		HealthURL:    "http://" + bindAddr + "/health",
		DatabasePath: *dbPath,
		AuthMode:     a.Mode(),
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)
	logger.Info("orbit-relay listening",
		zap.String("addr", bindAddr),
		zap.String("db", *dbPath),
		zap.String("auth_mode", a.Mode()))

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)
	for {
		if handleSignal(<-sig, logger, st.CleanupExpired, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		return 0
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
