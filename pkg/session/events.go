package session

import (
	"net/http"
	"sync"

	"git.sr.ht/~jakintosh/tokensession/internal/fronttoken"
)

// Event is a session lifecycle notification.
type Event string

const (
	EventSessionCreated            Event = "SESSION_CREATED"
	EventRefreshSession            Event = "REFRESH_SESSION"
	EventSignOut                   Event = "SIGN_OUT"
	EventUnauthorised              Event = "UNAUTHORISED"
	EventAccessTokenPayloadUpdated Event = "ACCESS_TOKEN_PAYLOAD_UPDATED"
)

type EventHandler func(Event)

type eventDispatcher struct {
	handler EventHandler
	client  *Client

	mu      sync.Mutex
	holds   int
	pending []Event
}

// fire delivers event now, or queues it while a refresh holds the write
// lock.
func (d *eventDispatcher) fire(event Event) {
	d.mu.Lock()
	if d.holds > 0 {
		d.pending = append(d.pending, event)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.deliver(event)
}

func (d *eventDispatcher) deliver(event Event) {
	d.client.log.Debug().Str("event", string(event)).Msg("session event")
	d.client.metrics.event(event)
	if d.handler != nil {
		d.handler(event)
	}
}

// hold queues events until the matching release. Holds nest; the queue is
// delivered in order when the last one is released.
func (d *eventDispatcher) hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holds++
}

func (d *eventDispatcher) release() {
	d.mu.Lock()
	d.holds--
	if d.holds > 0 {
		d.mu.Unlock()
		return
	}
	queued := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, event := range queued {
		d.deliver(event)
	}
}

// fireLifecycleEvent fires at most one event for a response, based on its
// front-token header. A response without one fires nothing.
func (d *eventDispatcher) fireLifecycleEvent(
	wasLoggedIn bool,
	header http.Header,
	status int,
) {
	frontToken, ok := headerValue(header, headerFrontToken)
	if !ok {
		return
	}

	switch {
	case frontToken == fronttoken.Remove:
		if status == d.client.cfg.expiredCode {
			d.fire(EventUnauthorised)
		} else {
			d.fire(EventSignOut)
		}
	case !wasLoggedIn:
		d.fire(EventSessionCreated)
	}
}
