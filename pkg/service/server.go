/*
Package service hosts the context store behind HTTP. The pull surface is a
fiber app mounted through the net/http adaptor; the push surface is a
gorilla websocket handler on the same mux, since streams need the raw
connection the adaptor cannot hand out.
*/
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	fiberadaptor "github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gorilla/websocket"
	"github.com/theapemachine/ctxsync/pkg/filter"
	"github.com/theapemachine/ctxsync/pkg/metrics"
	"github.com/theapemachine/ctxsync/pkg/service/stream"
	"github.com/theapemachine/ctxsync/pkg/store"
)

type Config struct {
	Host            string
	Port            int
	MaxConnections  int
	ShutdownTimeout time.Duration
	Stream          stream.Config
}

func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            3210,
		MaxConnections:  1000,
		ShutdownTimeout: 10 * time.Second,
		Stream:          stream.DefaultConfig(),
	}
}

func (cfg Config) Addr() string {
	return net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
}

/*
ContextServer is safe for concurrent use; all state lives in the store, the
metrics counters and the connection set.
*/
type ContextServer struct {
	cfg      Config
	app      *fiber.App
	http     *http.Server
	store    *store.Store
	profiles *filter.Registry
	metrics  *metrics.ServiceMetrics
	upgrader websocket.Upgrader

	conns        sync.Map
	shuttingDown atomic.Bool
}

func NewContextServer(cfg Config, st *store.Store, profiles *filter.Registry) *ContextServer {
	srv := &ContextServer{
		cfg:      cfg,
		store:    st,
		profiles: profiles,
		metrics:  metrics.NewServiceMetrics(),
		app: fiber.New(fiber.Config{
			AppName:      "ctxsync",
			ServerHeader: "ctxsync",
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	srv.routes()

	srv.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (srv *ContextServer) routes() {
	srv.app.Use(recoverer.New(), logger.New(logger.Config{
		Next: func(ctx fiber.Ctx) bool {
			return ctx.Path() == "/health"
		},
	}), func(ctx fiber.Ctx) error {
		srv.metrics.RecordRequest()
		return ctx.Next()
	})

	srv.app.Get("/health", srv.handleHealth)
	srv.app.Get("/metrics", srv.handleMetrics)
	srv.app.Get("/profiles", srv.handleProfiles)
	srv.app.Get("/context/:projectId", srv.handleGet)
	srv.app.Get("/context/:projectId/filtered", srv.handleFiltered)
	srv.app.Put("/context/:projectId", srv.handleSet)
	srv.app.Post("/context/:projectId/diff", srv.handleDiff)
	srv.app.Delete("/context/:projectId", srv.handleDelete)
}

/*
Handler returns the complete HTTP surface.
*/
func (srv *ContextServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /context/{projectId}/stream", srv.handleStream)
	mux.Handle("/", fiberadaptor.FiberApp(srv.app))

	return mux
}

/*
App exposes the fiber app, which serves everything but streams.
*/
func (srv *ContextServer) App() *fiber.App {
	return srv.app
}

func (srv *ContextServer) Metrics() *metrics.ServiceMetrics {
	return srv.metrics
}

/*
Serve accepts connections on ln until Shutdown.
*/
func (srv *ContextServer) Serve(ln net.Listener) error {
	log.Info("context service listening", "addr", ln.Addr().String())

	if err := srv.http.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (srv *ContextServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", srv.cfg.Addr())

	if err != nil {
		return err
	}

	return srv.Serve(ln)
}

/*
Shutdown stops accepting work, ends every stream with a shutdown notice and
waits for in-flight requests.
*/
func (srv *ContextServer) Shutdown(ctx context.Context) error {
	if srv.shuttingDown.Swap(true) {
		return nil
	}

	srv.conns.Range(func(_, value any) bool {
		value.(*stream.Conn).Close(store.ReasonShutdown)
		return true
	})

	return srv.http.Shutdown(ctx)
}

/*
LoadPressure is the share of the connection limit in use.
*/
func (srv *ContextServer) LoadPressure() float64 {
	if srv.cfg.MaxConnections <= 0 {
		return 0
	}

	return float64(srv.metrics.ActiveConnections()) / float64(srv.cfg.MaxConnections)
}
