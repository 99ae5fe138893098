package shim

import (
	"testing"
	"time"

	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
	"github.com/hpc/mpir-to-pmix-guide/internal/pmix/pmixtest"
)

// newConnectedRegistry wires a client, condition table, and registry to a
// scripted service, with notifications flowing into the registry.
func newConnectedRegistry(t *testing.T, svc *pmixtest.Service) (*Registry, *Conditions) {
	t.Helper()
	client := pmix.NewClient(nil)
	conds := NewConditions(nil)
	reg := NewRegistry(nil, client, conds)
	client.SetSink(reg.Dispatch)
	if err := client.Connect(svc.URL(), 0, 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(client.Close)
	return reg, conds
}

func TestSubscribeRoundTrip(t *testing.T) {
	svc := pmixtest.New(pmixtest.JobSpec{})
	defer svc.Close()
	reg, _ := newConnectedRegistry(t, svc)

	id, err := reg.Subscribe([]string{pmix.EventLauncherReady}, nil, "ready", func(pmix.Notification) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if id == 0 {
		t.Error("Subscribe returned zero handler id")
	}

	reqs := svc.RegisterRequests()
	if len(reqs) != 1 {
		t.Fatalf("service saw %d register requests, want 1", len(reqs))
	}
	if len(reqs[0].Events) != 1 || reqs[0].Events[0] != pmix.EventLauncherReady {
		t.Errorf("registered events = %v, want [%s]", reqs[0].Events, pmix.EventLauncherReady)
	}
	if name, ok := pmix.FindInfo(reqs[0].Attrs, pmix.KeyHandlerName); !ok {
		t.Error("register request missing handler-name attribute")
	} else if s, _ := name.Value.AsString(); s != "ready" {
		t.Errorf("handler-name = %q, want %q", s, "ready")
	}
}

func TestSubscribeFailureStatus(t *testing.T) {
	svc := pmixtest.New(pmixtest.JobSpec{})
	defer svc.Close()
	svc.RegisterStatus = pmix.StatusError
	reg, _ := newConnectedRegistry(t, svc)

	_, err := reg.Subscribe([]string{pmix.EventLauncherReady}, nil, "ready", func(pmix.Notification) {})
	if err == nil {
		t.Fatal("Subscribe should fail when the service refuses registration")
	}
}

// Registrations must be strictly serialized even when the service replies
// slowly: a second Subscribe may not start its round trip before the
// first has completed.
func TestSubscribeSerializesConcurrentRegistrations(t *testing.T) {
	svc := pmixtest.New(pmixtest.JobSpec{})
	defer svc.Close()
	svc.RegisterDelay = 50 * time.Millisecond
	reg, _ := newConnectedRegistry(t, svc)

	type result struct {
		id  uint64
		err error
	}
	results := make(chan result, 2)
	for _, name := range []string{"first", "second"} {
		go func(name string) {
			id, err := reg.Subscribe([]string{pmix.EventLauncherReady}, nil, name, func(pmix.Notification) {})
			results <- result{id, err}
		}(name)
	}

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("Subscribe: %v", res.err)
			}
			if seen[res.id] {
				t.Errorf("handler id %d assigned twice", res.id)
			}
			seen[res.id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent registrations did not both complete")
		}
	}
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	svc := pmixtest.New(pmixtest.JobSpec{})
	defer svc.Close()
	reg, _ := newConnectedRegistry(t, svc)

	hits := 0
	id, err := reg.Subscribe([]string{pmix.EventLauncherReady}, nil, "ready", func(pmix.Notification) { hits++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := reg.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	// With the subscription gone the event has no handler.
	reg.Dispatch(pmix.Notification{Event: pmix.EventLauncherReady}, func() {})
	if hits != 0 {
		t.Errorf("handler ran %d times after Unsubscribe", hits)
	}
}

func TestDispatchPrefersScopedMatch(t *testing.T) {
	reg := NewRegistry(nil, nil, NewConditions(nil))

	var defaultHits, scopedHits int
	launcher := pmix.Proc{Namespace: "launcher.1", Rank: 0}
	reg.subs = []subscription{
		{id: 1, name: "default", events: map[string]bool{}, handler: func(pmix.Notification) { defaultHits++ }},
		{id: 2, name: "terminate", events: map[string]bool{pmix.EventJobTerminated: true},
			scope: &launcher, handler: func(pmix.Notification) { scopedHits++ }},
	}

	reg.Dispatch(pmix.Notification{
		Event:  pmix.EventJobTerminated,
		Source: &pmix.Proc{Namespace: "launcher.1", Rank: 0},
	}, func() {})

	if scopedHits != 1 || defaultHits != 0 {
		t.Errorf("scoped=%d default=%d, want scoped=1 default=0", scopedHits, defaultHits)
	}
}

func TestDispatchFallsBackToDefault(t *testing.T) {
	reg := NewRegistry(nil, nil, NewConditions(nil))

	var defaultHits int
	launcher := pmix.Proc{Namespace: "launcher.1", Rank: 0}
	reg.subs = []subscription{
		{id: 1, name: "default", events: map[string]bool{}, handler: func(pmix.Notification) { defaultHits++ }},
		{id: 2, name: "terminate", events: map[string]bool{pmix.EventJobTerminated: true},
			scope: &launcher, handler: func(pmix.Notification) {}},
	}

	// Same event kind, different namespace: scope filter rejects it.
	reg.Dispatch(pmix.Notification{
		Event:  pmix.EventJobTerminated,
		Source: &pmix.Proc{Namespace: "job.2", Rank: 3},
	}, func() {})

	if defaultHits != 1 {
		t.Errorf("default handler hits = %d, want 1", defaultHits)
	}
}

func TestDispatchAcksExactlyOnce(t *testing.T) {
	reg := NewRegistry(nil, nil, NewConditions(nil))

	acks := 0
	// No handler matches at all; the chain is still acknowledged.
	reg.Dispatch(pmix.Notification{Event: "unknown-event"}, func() { acks++ })
	if acks != 1 {
		t.Errorf("acks = %d, want 1", acks)
	}
}

func TestScopeMatches(t *testing.T) {
	launcher := pmix.Proc{Namespace: "launcher.1", Rank: 0}
	wildcard := pmix.Proc{Namespace: "job.1", Rank: pmix.RankWildcard}

	tests := []struct {
		name   string
		scope  *pmix.Proc
		source *pmix.Proc
		want   bool
	}{
		{"nil scope matches anything", nil, &pmix.Proc{Namespace: "x", Rank: 9}, true},
		{"nil source never matches a scope", &launcher, nil, false},
		{"exact match", &launcher, &pmix.Proc{Namespace: "launcher.1", Rank: 0}, true},
		{"rank mismatch", &launcher, &pmix.Proc{Namespace: "launcher.1", Rank: 1}, false},
		{"namespace mismatch", &launcher, &pmix.Proc{Namespace: "job.1", Rank: 0}, false},
		{"wildcard rank matches any rank", &wildcard, &pmix.Proc{Namespace: "job.1", Rank: 7}, true},
		{"wildcard rank still checks namespace", &wildcard, &pmix.Proc{Namespace: "job.2", Rank: 7}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scopeMatches(tt.scope, tt.source); got != tt.want {
				t.Errorf("scopeMatches = %v, want %v", got, tt.want)
			}
		})
	}
}
