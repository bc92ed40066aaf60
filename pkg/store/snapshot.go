package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
)

/*
Snapshot is the complete context of one project at one version. A Snapshot
is never modified once published; every mutation publishes a new one. Data
must be treated as read-only by everyone holding a Snapshot.
*/
type Snapshot struct {
	ProjectID   string         `json:"projectId"`
	Version     int64          `json:"version"`
	Hash        string         `json:"hash"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
	SizeBytes   int64          `json:"sizeBytes"`
	TokensSaved int64          `json:"tokensSaved"`
}

/*
Hash is the SHA-256 hex digest of the canonical JSON encoding of data.
encoding/json sorts map keys, which makes the encoding deterministic.
*/
func Hash(data map[string]any) (string, int64, error) {
	buf, err := json.Marshal(data)

	if err != nil {
		return "", 0, errors.ErrValidation.WithMessagef("context data is not serializable: %v", err)
	}

	sum := sha256.Sum256(buf)

	return hex.EncodeToString(sum[:]), int64(len(buf)), nil
}

/*
EventKind names what happened to a project.
*/
type EventKind string

const (
	EventSnapshot EventKind = "context_snapshot"
	EventUpdated  EventKind = "context_updated"
	EventDeleted  EventKind = "context_deleted"
	EventEvicted  EventKind = "context_evicted"
)

/*
Event is delivered to subscribers and observers. Updated events carry the
effective diff and never the full data; Snapshot events carry the full
snapshot for cold starts.
*/
type Event struct {
	Kind        EventKind  `json:"kind"`
	ProjectID   string     `json:"projectId"`
	Version     int64      `json:"version"`
	Hash        string     `json:"hash"`
	Origin      string     `json:"origin,omitempty"`
	Diff        *diff.Diff `json:"diff,omitempty"`
	Snapshot    *Snapshot  `json:"-"`
	TokensSaved int        `json:"tokensSaved,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

/*
CloseReason tells a subscriber why the store is dropping it.
*/
type CloseReason string

const (
	ReasonSlowConsumer CloseReason = "slow_consumer"
	ReasonEvicted      CloseReason = "evicted"
	ReasonDeleted      CloseReason = "deleted"
	ReasonReplaced     CloseReason = "replaced"
	ReasonShutdown     CloseReason = "shutdown"
)

/*
Subscriber is a live connection registered for a project's events. The store
calls Deliver and Close while holding the project's lock, so neither may
block. Deliver returns false when the subscriber cannot accept the event.
*/
type Subscriber interface {
	AgentID() string
	Deliver(Event) bool
	Close(CloseReason)
}

/*
Observer receives every committed event, in commit order per project. It is
called under the project's lock and must hand work off rather than block.
*/
type Observer interface {
	Observe(Event)
}

/*
ObserverFunc adapts a function to the Observer interface.
*/
type ObserverFunc func(Event)

func (fn ObserverFunc) Observe(ev Event) {
	fn(ev)
}

/*
Result is what a successful mutation reports back to its caller.
*/
type Result struct {
	Version         int64     `json:"version"`
	Hash            string    `json:"hash"`
	TokensSaved     int       `json:"tokensSaved"`
	SubscriberCount int       `json:"subscriberCount"`
	Changed         bool      `json:"changed"`
	Snapshot        *Snapshot `json:"-"`
}
