package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/store"
	"github.com/theapemachine/ctxsync/pkg/transport"
)

/*
streamURL maps the base URL onto the websocket endpoint of the project.
*/
func (client *ContextClient) streamURL() (string, error) {
	base, err := url.Parse(client.cfg.BaseURL)

	if err != nil {
		return "", errors.ErrValidation.Wrap(err).WithMessagef("invalid base url %q", client.cfg.BaseURL)
	}

	switch base.Scheme {
	case "https", "wss":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}

	base.Path = strings.TrimRight(base.Path, "/") + "/context/" + client.cfg.ProjectID + "/stream"
	base.RawQuery = url.Values{"agentId": {client.cfg.AgentID}}.Encode()

	return base.String(), nil
}

/*
Connect opens the push stream and keeps it open, reconnecting with backoff
when it drops, until ctx is done, Close is called, or another connection for
the same agent takes over. The local copy is discarded first, so the
snapshot that opens the stream becomes the new baseline.
*/
func (client *ContextClient) Connect(ctx context.Context) error {
	if client.closed.Load() {
		return errors.ErrUnavailable.WithMessagef("client is closed")
	}

	client.wsMu.Lock()

	if client.cancel != nil {
		client.wsMu.Unlock()
		return errors.ErrValidation.WithMessagef("client is already connected")
	}

	ctx, cancel := context.WithCancel(ctx)
	client.cancel = cancel
	client.wsMu.Unlock()

	client.invalidate()

	ws, err := client.dial(ctx)

	if err != nil {
		client.wsMu.Lock()
		client.cancel = nil
		client.wsMu.Unlock()
		cancel()

		return err
	}

	if !client.attach(ws) {
		cancel()
		return errors.ErrUnavailable.WithMessagef("client is closed")
	}

	client.emit(Event{Kind: EventConnected, Version: client.Version()})

	client.wg.Add(1)
	go client.run(ctx, ws)

	return nil
}

func (client *ContextClient) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := client.streamURL()

	if err != nil {
		return nil, err
	}

	var ws *websocket.Conn

	err = errors.RetryWithBackoff(ctx, &client.cfg.Retry, func(attempt int) error {
		start := time.Now()
		conn, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, target, nil)
		client.metrics.RecordConnection(dialErr == nil, time.Since(start))

		if dialErr == nil {
			ws = conn
			return nil
		}

		log.Debug("stream dial failed", "project", client.cfg.ProjectID, "attempt", attempt, "error", dialErr)

		if resp != nil && resp.StatusCode == http.StatusBadRequest {
			return errors.Permanent(errors.ErrValidation.Wrap(dialErr).WithMessagef("stream rejected"))
		}

		return errors.ErrConnectionDropped.Wrap(dialErr).WithMessagef("dial %s", target)
	})

	return ws, err
}

/*
attach publishes ws as the current connection unless the client was closed
in the meantime.
*/
func (client *ContextClient) attach(ws *websocket.Conn) bool {
	client.wsMu.Lock()
	defer client.wsMu.Unlock()

	if client.closed.Load() {
		ws.Close()
		return false
	}

	client.ws = ws

	return true
}

func (client *ContextClient) run(ctx context.Context, ws *websocket.Conn) {
	defer client.wg.Done()

	for {
		reason := client.read(ctx, ws)
		ws.Close()

		client.emit(Event{Kind: EventDisconnected, Reason: reason})

		if client.closed.Load() || ctx.Err() != nil || reason == string(store.ReasonReplaced) {
			return
		}

		client.metrics.RecordReconnection()
		client.invalidate()

		next, err := client.dial(ctx)

		if err != nil {
			client.emit(Event{Kind: EventError, Err: err})
			return
		}

		if !client.attach(next) {
			return
		}

		ws = next
		client.emit(Event{Kind: EventConnected, Version: client.Version()})
	}
}

/*
read consumes frames until the stream ends and returns why it ended: the
reason of the server's final notice, or "dropped".
*/
func (client *ContextClient) read(ctx context.Context, ws *websocket.Conn) string {
	reason := "dropped"

	for {
		_, raw, err := ws.ReadMessage()

		if err != nil {
			return reason
		}

		msg, err := transport.Decode(raw)

		if err != nil {
			client.emit(Event{Kind: EventError, Err: err})
			continue
		}

		switch msg.Type {
		case transport.TypeSnapshot:
			client.applySnapshot(msg)
		case transport.TypeUpdate:
			client.applyUpdate(ctx, msg)
		case transport.TypeError:
			if msg.Error != nil {
				client.emit(Event{Kind: EventError, Err: msg.Error})
			}
		case transport.TypeReconnect, transport.TypeEvicted, transport.TypeDeleted, transport.TypeReplaced:
			if msg.Reason != "" {
				reason = msg.Reason
			} else {
				reason = string(msg.Type)
			}

			if msg.Type == transport.TypeDeleted || msg.Type == transport.TypeEvicted {
				client.invalidate()
			}
		}
	}
}

func (client *ContextClient) applySnapshot(msg *transport.Message) {
	data := msg.Data

	if data == nil {
		data = map[string]any{}
	}

	client.store(data, msg.Version, msg.Hash)
	client.emit(Event{Kind: EventContextUpdated, Version: msg.Version, Hash: msg.Hash, Full: true})
}

/*
applyUpdate patches the local copy when the update follows it directly and
the result hashes to what the service committed. Anything else means the
copy has diverged, and it is replaced by a fresh pull.
*/
func (client *ContextClient) applyUpdate(ctx context.Context, msg *transport.Message) {
	client.mu.Lock()
	local := client.local

	if !local.valid && msg.Version == 1 {
		// The project was empty when the stream opened.
		local = cache{data: map[string]any{}, valid: true}
	}

	if local.valid && msg.Version == local.version+1 {
		next, err := diff.Apply(local.data, *msg.Diff)

		if err == nil {
			hash, _, hashErr := store.Hash(next)

			if hashErr == nil && hash == msg.Hash {
				client.local = cache{data: next, version: msg.Version, hash: hash, fetchedAt: client.now(), valid: true}
				client.mu.Unlock()
				client.emit(Event{Kind: EventContextUpdated, Version: msg.Version, Hash: hash, Diff: msg.Diff})

				return
			}
		}
	} else if local.valid && msg.Version <= local.version {
		// Already reflected, typically our own write acknowledged over HTTP.
		client.mu.Unlock()
		return
	}

	client.local = cache{}
	client.mu.Unlock()
	client.metrics.RecordVersionGap()

	if _, err := client.pull(ctx); err != nil {
		client.emit(Event{Kind: EventError, Err: err})
		return
	}

	client.emit(Event{Kind: EventContextUpdated, Version: client.Version(), Hash: msg.Hash, Full: true})
}
