package pmix_test

import (
	"errors"
	"testing"
	"time"

	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
	"github.com/hpc/mpir-to-pmix-guide/internal/pmix/pmixtest"
)

func job() pmixtest.JobSpec {
	return pmixtest.JobSpec{
		LauncherNamespace: "launcher.1",
		AppNamespace:      "job.1",
		Procs: []pmix.ProcInfo{
			{Proc: pmix.Proc{Namespace: "job.1", Rank: 0}, Hostname: "node0", Executable: "/opt/app/ring", PID: 4001},
		},
	}
}

func connect(t *testing.T, svc *pmixtest.Service, sink pmix.NotificationSink) *pmix.Client {
	t.Helper()
	c := pmix.NewClient(nil)
	if sink != nil {
		c.SetSink(sink)
	}
	if err := c.Connect(svc.URL(), 0, 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnectRetriesExhausted(t *testing.T) {
	c := pmix.NewClient(nil)
	// Reserved port, nothing listens there.
	err := c.Connect("ws://127.0.0.1:1", 2, time.Millisecond)
	if err == nil {
		t.Fatal("Connect to a dead endpoint should fail")
	}
}

func TestGet(t *testing.T) {
	svc := pmixtest.New(job())
	defer svc.Close()
	c := connect(t, svc, nil)

	val, err := c.Get(pmix.Proc{Namespace: "tool.1", Rank: 0}, pmix.KeyServerNamespace)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ns, err := val.AsString()
	if err != nil {
		t.Fatalf("AsString: %v", err)
	}
	if ns != "launcher.1" {
		t.Errorf("server namespace = %q, want launcher.1", ns)
	}

	// Unknown keys come back with an empty type, not an error.
	val, err = c.Get(pmix.Proc{Namespace: "tool.1", Rank: 0}, "no-such-key")
	if err != nil {
		t.Fatalf("Get unknown key: %v", err)
	}
	if val.Type != "" {
		t.Errorf("unknown key value type = %q, want empty", val.Type)
	}
}

func TestQueryProcTable(t *testing.T) {
	svc := pmixtest.New(job())
	defer svc.Close()
	c := connect(t, svc, nil)

	infos, err := c.Query([]pmix.Query{{Keys: []string{pmix.QueryProcTable}}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	info, ok := pmix.FindInfo(infos, pmix.QueryProcTable)
	if !ok {
		t.Fatal("reply missing proc-table key")
	}
	procs, err := info.Value.AsProcInfoArray()
	if err != nil {
		t.Fatalf("AsProcInfoArray: %v", err)
	}
	if len(procs) != 1 || procs[0].Hostname != "node0" {
		t.Errorf("procs = %+v", procs)
	}
}

func TestSpawnLocalWhenUnconnected(t *testing.T) {
	c := pmix.NewClient(nil)

	var started *pmix.App
	c.StartProcess = func(app pmix.App) (int, error) {
		started = &app
		return 999, nil
	}

	ns, err := c.Spawn(nil, pmix.App{Cmd: "prterun", Argv: []string{"prterun", "./ring"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if ns != "" {
		t.Errorf("local spawn namespace = %q, want empty", ns)
	}
	if started == nil || started.Cmd != "prterun" {
		t.Errorf("local spawner saw %+v", started)
	}
}

func TestCallsFailAfterLostConnection(t *testing.T) {
	svc := pmixtest.New(job())
	defer svc.Close()

	// Hold a registration open across the drop.
	svc.RegisterDelay = time.Second

	events := make(chan pmix.Notification, 4)
	c := connect(t, svc, func(n pmix.Notification, done func()) {
		events <- n
		done()
	})
	statusCh := make(chan pmix.Status, 1)
	if err := c.Register([]string{pmix.EventLauncherReady}, nil, func(st pmix.Status, id uint64) {
		statusCh <- st
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc.DropConnection()

	select {
	case st := <-statusCh:
		if st != pmix.StatusLostConnection {
			t.Errorf("registration completed with %s, want lost-connection", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending registration was not failed after the drop")
	}

	select {
	case n := <-events:
		if n.Event != pmix.EventLostConnection {
			t.Errorf("sink saw %q, want lost-connection", n.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink never saw the lost-connection notification")
	}

	if _, err := c.Get(pmix.Proc{}, pmix.KeyServerNamespace); !errors.Is(err, pmix.ErrNotConnected) {
		t.Errorf("Get after drop = %v, want ErrNotConnected", err)
	}
}

func TestNotificationDispatchWaitsForAck(t *testing.T) {
	svc := pmixtest.New(job())
	defer svc.Close()

	type delivery struct {
		n    pmix.Notification
		done func()
	}
	deliveries := make(chan delivery, 4)
	connect(t, svc, func(n pmix.Notification, done func()) {
		deliveries <- delivery{n, done}
	})

	svc.Push(pmix.Notification{Event: "first"})
	svc.Push(pmix.Notification{Event: "second"})

	var first delivery
	select {
	case first = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("first notification never arrived")
	}
	if first.n.Event != "first" {
		t.Errorf("first event = %q", first.n.Event)
	}

	// The second stays queued until the first handler chain completes.
	select {
	case d := <-deliveries:
		t.Fatalf("second notification %q delivered before the ack", d.n.Event)
	case <-time.After(50 * time.Millisecond):
	}

	first.done()

	select {
	case d := <-deliveries:
		if d.n.Event != "second" {
			t.Errorf("second event = %q", d.n.Event)
		}
		d.done()
	case <-time.After(2 * time.Second):
		t.Fatal("second notification never arrived after the ack")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(svc.AckedEvents()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("service saw %d acks, want 2", len(svc.AckedEvents()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
