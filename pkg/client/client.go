/*
Package client is the agent side of context synchronization. A ContextClient
keeps a local copy of one project's context, sends only diffs against it,
and keeps it current from the push stream.
*/
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	fiberClient "github.com/gofiber/fiber/v3/client"
	"github.com/gorilla/websocket"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/metrics"
)

type Config struct {
	BaseURL     string
	ProjectID   string
	AgentID     string
	CacheTTL    time.Duration
	Timeout     time.Duration
	EventBuffer int
	Retry       errors.RetryConfig
}

func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:3210",
		CacheTTL:    30 * time.Second,
		Timeout:     10 * time.Second,
		EventBuffer: 64,
		Retry:       *errors.DefaultRetryConfig(),
	}
}

type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventContextUpdated EventKind = "context_updated"
	EventError          EventKind = "error"
)

/*
Event notifies the owner of a client about stream activity. Full is set when
the local copy was replaced wholesale rather than patched.
*/
type Event struct {
	Kind    EventKind
	Version int64
	Hash    string
	Diff    *diff.Diff
	Full    bool
	Reason  string
	Err     error
}

/*
Update reports the outcome of UpdateContext.
*/
type Update struct {
	Version     int64  `json:"version"`
	Hash        string `json:"hash"`
	TokensSaved int    `json:"tokensSaved"`
	AsDiff      bool   `json:"asDiff"`
	Changed     bool   `json:"changed"`
}

type cache struct {
	data      map[string]any
	version   int64
	hash      string
	fetchedAt time.Time
	valid     bool
}

/*
ContextClient is bound to one (project, agent) pair and is safe for
concurrent use.
*/
type ContextClient struct {
	cfg     Config
	conn    *fiberClient.Client
	metrics *metrics.ClientMetrics
	now     func() time.Time

	mu    sync.RWMutex
	local cache

	events chan Event

	wsMu    sync.Mutex
	ws      *websocket.Conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	closeMu sync.Mutex
}

func NewContextClient(cfg Config) *ContextClient {
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = 1
	}

	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	conn := fiberClient.New().SetBaseURL(cfg.BaseURL)

	if cfg.Timeout > 0 {
		conn.SetTimeout(cfg.Timeout)
	}

	return &ContextClient{
		cfg:     cfg,
		conn:    conn,
		metrics: metrics.NewClientMetrics(),
		now:     time.Now,
		events:  make(chan Event, cfg.EventBuffer),
	}
}

func (client *ContextClient) ProjectID() string { return client.cfg.ProjectID }

func (client *ContextClient) AgentID() string { return client.cfg.AgentID }

func (client *ContextClient) Metrics() *metrics.ClientMetrics { return client.metrics }

/*
Events delivers notifications until the client is closed. Events that the
owner does not pick up in time are dropped and counted.
*/
func (client *ContextClient) Events() <-chan Event {
	return client.events
}

func (client *ContextClient) emit(ev Event) {
	client.closeMu.Lock()
	defer client.closeMu.Unlock()

	if client.closed.Load() {
		return
	}

	select {
	case client.events <- ev:
		client.metrics.RecordEvent(false, 0)
	default:
		client.metrics.RecordEvent(true, 0)
	}
}

/*
Version returns the version of the local copy, or zero when there is none.
*/
func (client *ContextClient) Version() int64 {
	client.mu.RLock()
	defer client.mu.RUnlock()

	if !client.local.valid {
		return 0
	}

	return client.local.version
}

/*
invalidate forgets the local copy; the next read pulls it again and the next
write sends the full payload.
*/
func (client *ContextClient) invalidate() {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.local = cache{}
}

/*
store replaces the local copy unless it already holds a newer version, which
happens when the stream overtakes the reply to our own write.
*/
func (client *ContextClient) store(data map[string]any, version int64, hash string) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.local.valid && client.local.version > version {
		return
	}

	client.local = cache{
		data:      data,
		version:   version,
		hash:      hash,
		fetchedAt: client.now(),
		valid:     true,
	}
}

/*
copyOf returns a copy of the top level of data. Nested values are shared
and must not be modified.
*/
func copyOf(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))

	for key, value := range data {
		out[key] = value
	}

	return out
}

type contextResponse struct {
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
	Hash    string         `json:"hash"`
}

func (client *ContextClient) path(suffix string) string {
	return "/context/" + url.PathEscape(client.cfg.ProjectID) + suffix
}

/*
GetContext returns the project's context. With useCache, a local copy younger
than the cache TTL is returned without a round trip; otherwise the service is
asked, presenting the local hash so an unchanged context costs no payload.
*/
func (client *ContextClient) GetContext(ctx context.Context, useCache bool) (map[string]any, error) {
	client.mu.RLock()
	local := client.local
	client.mu.RUnlock()

	if useCache && local.valid && client.now().Sub(local.fetchedAt) < client.cfg.CacheTTL {
		client.metrics.RecordPull(true)
		return copyOf(local.data), nil
	}

	return client.pull(ctx)
}

func (client *ContextClient) pull(ctx context.Context) (map[string]any, error) {
	client.mu.RLock()
	local := client.local
	client.mu.RUnlock()

	header := map[string]string{}

	if local.valid {
		header["If-None-Match"] = local.hash
	}

	resp, err := client.conn.Get(client.path(""), fiberClient.Config{Ctx: ctx, Header: header})

	if err != nil {
		return nil, errors.ErrConnectionDropped.Wrap(err).WithMessagef("pull %s", client.cfg.ProjectID)
	}

	switch resp.StatusCode() {
	case http.StatusNotModified:
		client.metrics.RecordPull(true)
		client.store(local.data, local.version, local.hash)
		return copyOf(local.data), nil
	case http.StatusOK:
		var body contextResponse

		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return nil, errors.ErrInternal.Wrap(err).WithMessagef("decoding context %s", client.cfg.ProjectID)
		}

		if body.Data == nil {
			body.Data = map[string]any{}
		}

		client.metrics.RecordPull(false)
		client.store(body.Data, body.Version, body.Hash)

		return copyOf(body.Data), nil
	default:
		err := statusError(resp)

		if errors.KindOf(err) == errors.KindNotFound {
			client.invalidate()
		}

		return nil, err
	}
}

func statusError(resp *fiberClient.Response) error {
	var body errors.Body

	if json.Unmarshal(resp.Body(), &body) != nil {
		return errors.FromStatus(resp.StatusCode(), nil)
	}

	return errors.FromStatus(resp.StatusCode(), &body)
}

/*
UpdateContext makes next the project's context. With a local copy only the
diff against it is sent; without one the full payload is. A failed send is
retried with backoff, re-diffing against whatever the local copy is by then.
*/
func (client *ContextClient) UpdateContext(ctx context.Context, next map[string]any) (*Update, error) {
	normalized, err := diff.Normalize(next)

	if err != nil {
		return nil, err
	}

	var update *Update

	err = errors.RetryWithBackoff(ctx, &client.cfg.Retry, func(attempt int) error {
		if attempt > 0 {
			log.Debug("retrying context update", "project", client.cfg.ProjectID, "agent", client.cfg.AgentID, "attempt", attempt)
		}

		var sendErr error
		update, sendErr = client.send(ctx, normalized)

		if sendErr == nil {
			return nil
		}

		switch errors.KindOf(sendErr) {
		case errors.KindValidation, errors.KindResourceExhausted:
			return errors.Permanent(sendErr)
		case errors.KindNotFound:
			client.invalidate()
		}

		return sendErr
	})

	if err != nil {
		client.metrics.RecordUpdate(false, true)
		return nil, err
	}

	client.metrics.RecordUpdate(update.AsDiff, false)

	return update, nil
}

func (client *ContextClient) send(ctx context.Context, next map[string]any) (*Update, error) {
	client.mu.RLock()
	local := client.local
	client.mu.RUnlock()

	if !local.valid {
		return client.sendFull(ctx, next)
	}

	d := diff.Compute(local.data, next)

	if d.IsEmpty() {
		return &Update{Version: local.version, Hash: local.hash, AsDiff: true}, nil
	}

	resp, err := client.conn.Post(client.path("/diff"), fiberClient.Config{
		Ctx:    ctx,
		Header: map[string]string{"Content-Type": "application/json"},
		Body: map[string]any{
			"agentId":  client.cfg.AgentID,
			"added":    d.Added,
			"modified": d.Modified,
			"removed":  d.Removed,
		},
	})

	if err != nil {
		return nil, errors.ErrConnectionDropped.Wrap(err).WithMessagef("diff %s", client.cfg.ProjectID)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp)
	}

	var body struct {
		Version     int64  `json:"version"`
		Hash        string `json:"hash"`
		TokensSaved int    `json:"tokensSaved"`
	}

	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, errors.ErrInternal.Wrap(err).WithMessagef("decoding diff reply")
	}

	update := &Update{Version: body.Version, Hash: body.Hash, TokensSaved: body.TokensSaved, AsDiff: true, Changed: true}

	if body.Version > local.version+1 {
		// Someone else wrote in between, so the service state is not next.
		client.metrics.RecordVersionGap()
		client.invalidate()

		if _, err := client.pull(ctx); err != nil {
			log.Warn("refresh after version gap failed", "project", client.cfg.ProjectID, "error", err)
		}

		return update, nil
	}

	client.store(next, body.Version, body.Hash)

	return update, nil
}

func (client *ContextClient) sendFull(ctx context.Context, next map[string]any) (*Update, error) {
	resp, err := client.conn.Put(client.path(""), fiberClient.Config{
		Ctx:    ctx,
		Header: map[string]string{"Content-Type": "application/json"},
		Body:   map[string]any{"agentId": client.cfg.AgentID, "data": next},
	})

	if err != nil {
		return nil, errors.ErrConnectionDropped.Wrap(err).WithMessagef("put %s", client.cfg.ProjectID)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp)
	}

	var body struct {
		Version int64  `json:"version"`
		Hash    string `json:"hash"`
	}

	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, errors.ErrInternal.Wrap(err).WithMessagef("decoding put reply")
	}

	client.store(next, body.Version, body.Hash)

	return &Update{Version: body.Version, Hash: body.Hash, Changed: true}, nil
}

/*
DeleteContext removes the project from the service.
*/
func (client *ContextClient) DeleteContext(ctx context.Context) error {
	resp, err := client.conn.Delete(client.path(""), fiberClient.Config{Ctx: ctx})

	if err != nil {
		return errors.ErrConnectionDropped.Wrap(err).WithMessagef("delete %s", client.cfg.ProjectID)
	}

	client.invalidate()

	if resp.StatusCode() != http.StatusOK {
		return statusError(resp)
	}

	return nil
}

/*
Close stops the stream, if any, and closes the events channel.
*/
func (client *ContextClient) Close() error {
	client.closeMu.Lock()

	if client.closed.Swap(true) {
		client.closeMu.Unlock()
		return nil
	}

	client.closeMu.Unlock()

	client.wsMu.Lock()

	if client.cancel != nil {
		client.cancel()
	}

	if client.ws != nil {
		_ = client.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(time.Second))
		client.ws.Close()
	}

	client.wsMu.Unlock()
	client.wg.Wait()

	client.closeMu.Lock()
	close(client.events)
	client.closeMu.Unlock()

	return nil
}
