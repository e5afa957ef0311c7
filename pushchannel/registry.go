// Package pushchannel implements the Push Channel Registry: a process-wide
// mapping from (project, user) to a push sink, drained by a websocket
// connection handler and fanned into by the Job Coordinator.
package pushchannel

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is one notification pushed to a subscriber: either a completed
// ImageVersion (carrying its download URL) or a chain failure.
type Event struct {
	ProjectID       string `json:"projectId"`
	OriginalImageID string `json:"originalImageId"`
	VersionID       string `json:"versionId,omitempty"`
	DownloadURL     string `json:"downloadUrl,omitempty"`
	TextResult      string `json:"textResult,omitempty"`
	Error           string `json:"error,omitempty"`
}

// subscriberKey identifies one (project, user) push stream.
type subscriberKey struct {
	ProjectID string
	UserID    string
}

// sinkBufferSize bounds how many events queue for a subscriber before a
// send is considered failed. The registry does best-effort delivery, not
// durable messaging: a slow or disconnected client drops events rather
// than blocking the sender.
const sinkBufferSize = 32

// Registry is the mutex-guarded (project_id, user_id) -> sink map described
// in the concurrency model: writes come from per-connection goroutines
// (Subscribe/Unsubscribe), reads (fan-out) come from the response-handling
// goroutine (Publish).
type Registry struct {
	mu   sync.Mutex
	subs map[subscriberKey]chan Event
	log  *logrus.Entry
}

// New constructs an empty registry.
func New(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		subs: make(map[subscriberKey]chan Event),
		log:  log.WithField("component", "push_channel_registry"),
	}
}

// Subscribe registers a sink for (projectID, userID) and returns the
// channel to drain. A second Subscribe for the same key replaces the prior
// sink.
func (r *Registry) Subscribe(projectID, userID string) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subscriberKey{ProjectID: projectID, UserID: userID}
	sink := make(chan Event, sinkBufferSize)
	r.subs[key] = sink
	r.log.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID}).Debug("subscribed to push channel")
	return sink
}

// Unsubscribe removes and closes the sink for (projectID, userID), if any.
func (r *Registry) Unsubscribe(projectID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subscriberKey{ProjectID: projectID, UserID: userID}
	if sink, ok := r.subs[key]; ok {
		close(sink)
		delete(r.subs, key)
	}
}

// Publish best-effort delivers event to the (projectID, userID) subscriber.
// A missing subscriber drops the event silently; a full buffer drops it,
// logs a warning and unsubscribes the sink. There is no retry and no
// persistence for consumers that weren't connected.
func (r *Registry) Publish(projectID, userID string, event Event) {
	r.mu.Lock()
	sink, ok := r.subs[subscriberKey{ProjectID: projectID, UserID: userID}]
	r.mu.Unlock()

	if !ok {
		return
	}

	select {
	case sink <- event:
	default:
		r.log.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID}).Warn("push channel full, dropping event and unsubscribing")
		r.Unsubscribe(projectID, userID)
	}
}
