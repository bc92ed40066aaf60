/*
Package coordinator wires the store, the filter profiles, the service and
the optional archive into one process, and manages the lifecycle of agent
clients launched against it.
*/
package coordinator

import (
	"context"
	stderrors "errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/ctxsync/pkg/archive"
	"github.com/theapemachine/ctxsync/pkg/client"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/filter"
	"github.com/theapemachine/ctxsync/pkg/service"
	"github.com/theapemachine/ctxsync/pkg/store"
	"golang.org/x/sync/errgroup"
)

type TokensConfig struct {
	Estimator         string // heuristic or tiktoken
	Encoding          string
	Savings           string // diff or first-write
	FirstWritePercent float64
}

type Config struct {
	Server       service.Config
	Store        store.Config
	ProfilesFile string
	Tokens       TokensConfig
	Client       client.Config
	Archive      archive.Config
}

func DefaultConfig() Config {
	return Config{
		Server: service.DefaultConfig(),
		Store:  store.DefaultConfig(),
		Tokens: TokensConfig{
			Estimator:         "heuristic",
			Encoding:          "cl100k_base",
			Savings:           "diff",
			FirstWritePercent: 0.5,
		},
		Client:  client.DefaultConfig(),
		Archive: archive.DefaultConfig(),
	}
}

/*
NewEstimator builds the configured token estimator. An unknown name, or a
tiktoken encoding that cannot be loaded, falls back to the heuristic.
*/
func NewEstimator(cfg TokensConfig) diff.Estimator {
	if cfg.Estimator != "tiktoken" {
		return diff.NewHeuristicEstimator()
	}

	estimator, err := diff.NewTiktokenEstimator(cfg.Encoding)

	if err != nil {
		log.Warn("tiktoken unavailable, using heuristic token estimate", "encoding", cfg.Encoding, "error", err)
		return diff.NewHeuristicEstimator()
	}

	return estimator
}

type Coordinator struct {
	cfg      Config
	store    *store.Store
	profiles *filter.Registry
	server   *service.ContextServer
	archiver *archive.Archiver

	baseURL atomic.Value

	mu     sync.Mutex
	agents map[string]*client.ContextClient
}

func New(cfg Config) (*Coordinator, error) {
	profiles, err := filter.NewRegistry(cfg.ProfilesFile)

	if err != nil {
		return nil, err
	}

	estimator := NewEstimator(cfg.Tokens)

	opts := []store.Option{
		store.WithEstimator(estimator),
		store.WithSavings(diff.NewSavingsStrategy(cfg.Tokens.Savings, estimator, cfg.Tokens.FirstWritePercent)),
	}

	coordinator := &Coordinator{
		cfg:      cfg,
		profiles: profiles,
		agents:   map[string]*client.ContextClient{},
	}

	if cfg.Archive.Enabled {
		conn, err := archive.NewConn(cfg.Archive)

		if err != nil {
			return nil, err
		}

		coordinator.archiver = archive.NewArchiver(cfg.Archive, conn)
		opts = append(opts, store.WithObserver(coordinator.archiver))
	}

	coordinator.store = store.New(cfg.Store, opts...)
	coordinator.server = service.NewContextServer(cfg.Server, coordinator.store, profiles)
	coordinator.baseURL.Store(cfg.Client.BaseURL)

	return coordinator, nil
}

func (coordinator *Coordinator) Store() *store.Store { return coordinator.store }

func (coordinator *Coordinator) Server() *service.ContextServer { return coordinator.server }

func (coordinator *Coordinator) Profiles() *filter.Registry { return coordinator.profiles }

/*
Run listens on the configured address and serves until ctx is done.
*/
func (coordinator *Coordinator) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", coordinator.cfg.Server.Addr())

	if err != nil {
		return errors.ErrUnavailable.Wrap(err).WithMessagef("listen %s", coordinator.cfg.Server.Addr())
	}

	return coordinator.Serve(ctx, ln)
}

/*
Serve runs the HTTP surface, the store sweeper and the archive worker on ln.
When ctx is done, or any of them fails, everything is shut down in order:
launched agents, then the service, then the store.
*/
func (coordinator *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	coordinator.baseURL.Store("http://" + ln.Addr().String())

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return coordinator.server.Serve(ln)
	})

	group.Go(func() error {
		return coordinator.store.Run(gctx)
	})

	if coordinator.archiver != nil {
		if err := coordinator.archiver.EnsureBucket(gctx); err != nil {
			log.Warn("archive bucket unavailable", "bucket", coordinator.cfg.Archive.Bucket, "error", err)
		}

		group.Go(func() error {
			return coordinator.archiver.Run(gctx)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		return coordinator.shutdown()
	})

	err := group.Wait()

	if stderrors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (coordinator *Coordinator) shutdown() error {
	log.Info("shutting down context service")

	agentsErr := coordinator.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), coordinator.cfg.Server.ShutdownTimeout)
	defer cancel()

	serverErr := coordinator.server.Shutdown(ctx)
	coordinator.store.Close()

	return errors.NewError(agentsErr, serverErr)
}

/*
Launch starts a client for agentID on projectID and connects its stream. A
client already launched for the same agent is torn down first.
*/
func (coordinator *Coordinator) Launch(ctx context.Context, projectID, agentID string) (*client.ContextClient, error) {
	if projectID == "" || agentID == "" {
		return nil, errors.ErrValidation.WithMessagef("project and agent are required")
	}

	cfg := coordinator.cfg.Client
	cfg.BaseURL = coordinator.baseURL.Load().(string)
	cfg.ProjectID = projectID
	cfg.AgentID = agentID

	agent := client.NewContextClient(cfg)

	if err := agent.Connect(ctx); err != nil {
		agent.Close()
		return nil, err
	}

	coordinator.mu.Lock()
	old := coordinator.agents[agentID]
	coordinator.agents[agentID] = agent
	coordinator.mu.Unlock()

	if old != nil {
		old.Close()
	}

	log.Info("agent launched", "project", projectID, "agent", agentID)

	return agent, nil
}

/*
Teardown closes the client launched for agentID.
*/
func (coordinator *Coordinator) Teardown(agentID string) error {
	coordinator.mu.Lock()
	agent, ok := coordinator.agents[agentID]
	delete(coordinator.agents, agentID)
	coordinator.mu.Unlock()

	if !ok {
		return errors.ErrNotFound.WithMessagef("agent %s is not launched", agentID)
	}

	log.Info("agent torn down", "project", agent.ProjectID(), "agent", agentID)

	return agent.Close()
}

/*
Shutdown tears down every launched agent and reports every failure.
*/
func (coordinator *Coordinator) Shutdown() error {
	var errs []any

	for _, agentID := range coordinator.Agents() {
		if err := coordinator.Teardown(agentID); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.NewError(errs...)
}

/*
Agents lists the launched agents, sorted.
*/
func (coordinator *Coordinator) Agents() []string {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()

	out := make([]string, 0, len(coordinator.agents))

	for agentID := range coordinator.agents {
		out = append(out, agentID)
	}

	sort.Strings(out)

	return out
}

type AgentMetrics struct {
	ProjectID string         `json:"projectId"`
	Version   int64          `json:"version"`
	Metrics   map[string]any `json:"metrics"`
}

type Metrics struct {
	Service service.MetricsReport   `json:"service"`
	Health  service.HealthReport    `json:"health"`
	Agents  map[string]AgentMetrics `json:"agents"`
	Archive *archive.Stats          `json:"archive,omitempty"`
}

/*
Metrics combines the service's view with that of every launched agent.
*/
func (coordinator *Coordinator) Metrics() Metrics {
	out := Metrics{
		Service: coordinator.server.Report(),
		Health:  coordinator.server.Health(),
		Agents:  map[string]AgentMetrics{},
	}

	coordinator.mu.Lock()

	for agentID, agent := range coordinator.agents {
		out.Agents[agentID] = AgentMetrics{
			ProjectID: agent.ProjectID(),
			Version:   agent.Version(),
			Metrics:   agent.Metrics().GetMetrics(),
		}
	}

	coordinator.mu.Unlock()

	if coordinator.archiver != nil {
		stats := coordinator.archiver.Stats()
		out.Archive = &stats
	}

	return out
}
