package shim

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
)

// Handler consumes one notification. Handlers run on the service client's
// read-loop goroutine and must not block on foreground work; they post
// conditions and return. The registry signals handler-chain completion to
// the service after the handler returns.
type Handler func(n pmix.Notification)

type subscription struct {
	id      uint64
	name    string
	events  map[string]bool // empty means default (catch-all)
	scope   *pmix.Proc
	handler Handler
}

// Registry tracks event subscriptions against the session service and
// routes incoming notifications to the matching handler, falling back to
// the default handler for unmatched events.
//
// Registration is an asynchronous round trip that looks synchronous to the
// caller: Subscribe sends the request, blocks on the registration
// condition, and fails if the service reports non-success. A mutex holds
// across the whole round trip so registrations are strictly serialized;
// no second registration starts before the first completes.
type Registry struct {
	log    *slog.Logger
	client *pmix.Client
	conds  *Conditions

	regMu sync.Mutex // serializes Subscribe round trips

	mu   sync.Mutex
	subs []subscription
}

// NewRegistry builds an empty registry bound to a client and condition
// table.
func NewRegistry(log *slog.Logger, client *pmix.Client, conds *Conditions) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, client: client, conds: conds}
}

// Subscribe registers a handler for the given event kinds with the
// service, scoped to the given process identity (nil for unscoped), and
// returns the service-assigned subscription id. An empty events list
// registers the default handler. Blocks until the service acknowledges.
func (r *Registry) Subscribe(events []string, scope *pmix.Proc, name string, h Handler) (uint64, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	attrs := []pmix.Info{pmix.StringInfo(pmix.KeyHandlerName, name)}
	if scope != nil {
		attrs = append(attrs, pmix.ProcInfoAttr(pmix.KeyAffectedProc, *scope))
	}

	// Registration outcome, written once by the completion callback on
	// the client's read-loop goroutine, read after the condition wait.
	// Safe without further locking because regMu serializes the round
	// trip and the condition post orders the write before the read.
	var (
		status pmix.Status
		id     uint64
	)
	err := r.client.Register(events, attrs, func(st pmix.Status, handlerID uint64) {
		status = st
		id = handlerID
		r.conds.Post(CondRegistration)
	})
	if err != nil {
		return 0, fmt.Errorf("registering %s handler: %w", name, err)
	}

	r.conds.Wait(CondRegistration)

	if r.conds.Terminated() && status == "" {
		return 0, fmt.Errorf("registering %s handler: launcher terminated", name)
	}
	if !status.OK() {
		return 0, fmt.Errorf("registering %s handler: service status %s", name, status)
	}

	evset := make(map[string]bool, len(events))
	for _, ev := range events {
		evset[ev] = true
	}
	r.mu.Lock()
	r.subs = append(r.subs, subscription{id: id, name: name, events: evset, scope: scope, handler: h})
	r.mu.Unlock()

	r.log.Debug("handler registered", "name", name, "id", id, "events", events)
	return id, nil
}

// Unsubscribe removes a subscription locally and asks the service to drop
// it. Best effort during shutdown.
func (r *Registry) Unsubscribe(id uint64) error {
	r.mu.Lock()
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return r.client.Deregister(id)
}

// Dispatch routes a notification to the first matching scoped handler, or
// the default handler when nothing matches, then signals the service that
// the handler chain for this event is complete. It is the client's
// notification sink.
func (r *Registry) Dispatch(n pmix.Notification, done func()) {
	defer done()

	r.mu.Lock()
	var match, fallback *subscription
	for i := range r.subs {
		sub := &r.subs[i]
		if len(sub.events) == 0 {
			if fallback == nil {
				fallback = sub
			}
			continue
		}
		if !sub.events[n.Event] {
			continue
		}
		if !scopeMatches(sub.scope, n.Source) {
			continue
		}
		match = sub
		break
	}
	r.mu.Unlock()

	switch {
	case match != nil:
		r.log.Debug("dispatching notification", "event", n.Event, "handler", match.name)
		match.handler(n)
	case fallback != nil:
		r.log.Debug("dispatching notification to default handler", "event", n.Event)
		fallback.handler(n)
	default:
		r.log.Debug("dropping notification with no handler", "event", n.Event)
	}
}

// scopeMatches reports whether a notification source falls inside a
// subscription's scope filter. A nil scope matches everything; a wildcard
// rank matches every rank in the namespace.
func scopeMatches(scope, source *pmix.Proc) bool {
	if scope == nil {
		return true
	}
	if source == nil {
		return false
	}
	if scope.Namespace != source.Namespace {
		return false
	}
	return scope.Rank == pmix.RankWildcard || scope.Rank == source.Rank
}
