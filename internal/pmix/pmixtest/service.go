// Package pmixtest runs an in-process session service for tests: a
// WebSocket endpoint speaking the tool wire protocol, scripted to behave
// like a launcher-hosting server. It records every request it sees and
// reacts to release and directive notifications the way a real launcher
// lifecycle would, so a full launch sequence can run against it.
package pmixtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hpc/mpir-to-pmix-guide/internal/pmix"
)

// JobSpec describes the launcher and job the service pretends to host.
type JobSpec struct {
	LauncherNamespace string
	AppNamespace      string
	Procs             []pmix.ProcInfo
	LauncherExitCode  int
	AppExitCode       int
}

// Service is one scripted session service instance. Configure the
// override fields before the client connects; read the recorded slices
// through the accessor methods.
type Service struct {
	spec JobSpec
	srv  *httptest.Server

	// RegisterDelay postpones every registration reply, widening the
	// window in which a second registration could overlap the first.
	RegisterDelay time.Duration

	// RegisterStatus, when set, is returned as the outcome of every
	// registration instead of success.
	RegisterStatus pmix.Status

	// ProctableValue and NamespacesValue override the corresponding
	// query results, mistyped or malformed values included.
	ProctableValue  *pmix.Value
	NamespacesValue *pmix.Value

	writeMu sync.Mutex // serializes conn writes

	mu            sync.Mutex
	conn          *websocket.Conn
	nextHandlerID uint64
	queue         []pmix.Notification
	inFlight      bool

	spawns    []pmix.SpawnRequest
	registers []pmix.RegisterRequest
	notifies  []pmix.NotifyRequest
	acks      []string
}

// New starts a service hosting the given job. Callers must Close it.
func New(spec JobSpec) *Service {
	s := &Service{spec: spec}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// endpoint clients dial.
func (s *Service) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close shuts the service down, dropping any live connection.
func (s *Service) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.srv.Close()
}

// DropConnection severs the live connection without stopping the
// service, so clients observe a lost connection.
func (s *Service) DropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Push queues an arbitrary notification for delivery, behind any
// notifications already awaiting their completion ack.
func (s *Service) Push(n pmix.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(n)
}

// SpawnRequests returns the spawn requests seen so far.
func (s *Service) SpawnRequests() []pmix.SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pmix.SpawnRequest(nil), s.spawns...)
}

// RegisterRequests returns the registration requests seen so far.
func (s *Service) RegisterRequests() []pmix.RegisterRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pmix.RegisterRequest(nil), s.registers...)
}

// NotifyRequests returns the notify requests seen so far.
func (s *Service) NotifyRequests() []pmix.NotifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pmix.NotifyRequest(nil), s.notifies...)
}

// AckedEvents returns the event ids the client has acknowledged.
func (s *Service) AckedEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.pumpLocked()
	s.mu.Unlock()

	for {
		var env pmix.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case pmix.MsgRequest:
			s.handleRequest(env)
		case pmix.MsgEventComplete:
			s.handleAck(env.EventID)
		}
	}
}

func (s *Service) handleRequest(env pmix.Envelope) {
	switch env.Op {
	case pmix.OpSpawn:
		var req pmix.SpawnRequest
		json.Unmarshal(env.Payload, &req)
		s.mu.Lock()
		s.spawns = append(s.spawns, req)
		s.mu.Unlock()
		s.reply(env.ID, pmix.SpawnReply{Namespace: s.spec.LauncherNamespace})

	case pmix.OpGet:
		var req pmix.GetRequest
		json.Unmarshal(env.Payload, &req)
		s.reply(env.ID, pmix.GetReply{Value: s.getValue(req.Key)})

	case pmix.OpQuery:
		var req pmix.QueryRequest
		json.Unmarshal(env.Payload, &req)
		s.reply(env.ID, s.queryReply(req))

	case pmix.OpRegister:
		var req pmix.RegisterRequest
		json.Unmarshal(env.Payload, &req)
		s.mu.Lock()
		s.registers = append(s.registers, req)
		s.nextHandlerID++
		id := s.nextHandlerID
		s.mu.Unlock()
		if s.RegisterStatus != "" && s.RegisterStatus != pmix.StatusOK {
			s.write(pmix.Envelope{Type: pmix.MsgReply, ID: env.ID,
				Status: s.RegisterStatus, Error: "registration refused"})
			return
		}
		if s.RegisterDelay > 0 {
			time.AfterFunc(s.RegisterDelay, func() {
				s.reply(env.ID, pmix.RegisterReply{HandlerID: id})
			})
			return
		}
		s.reply(env.ID, pmix.RegisterReply{HandlerID: id})

	case pmix.OpDeregister:
		s.reply(env.ID, nil)

	case pmix.OpNotify:
		var req pmix.NotifyRequest
		json.Unmarshal(env.Payload, &req)
		s.mu.Lock()
		s.notifies = append(s.notifies, req)
		s.mu.Unlock()
		s.reply(env.ID, nil)
		s.react(req)

	default:
		s.write(pmix.Envelope{Type: pmix.MsgReply, ID: env.ID,
			Status: pmix.StatusError, Error: "unknown op"})
	}
}

func (s *Service) getValue(key string) pmix.Value {
	switch key {
	case pmix.KeyServerNamespace:
		return pmix.StringInfo(key, s.spec.LauncherNamespace).Value
	case pmix.KeyServerRank:
		return pmix.IntInfo(key, 0).Value
	}
	return pmix.Value{}
}

func (s *Service) queryReply(req pmix.QueryRequest) pmix.QueryReply {
	var infos []pmix.Info
	for _, q := range req.Queries {
		for _, key := range q.Keys {
			switch key {
			case pmix.QueryNamespaces:
				val := pmix.StringInfo(key, s.spec.AppNamespace).Value
				if s.NamespacesValue != nil {
					val = *s.NamespacesValue
				}
				infos = append(infos, pmix.Info{Key: key, Value: val})
			case pmix.QueryProcTable:
				val := pmix.Value{Type: pmix.TypeProcInfoArray, Data: mustMarshal(s.spec.Procs)}
				if s.ProctableValue != nil {
					val = *s.ProctableValue
				}
				infos = append(infos, pmix.Info{Key: key, Value: val})
			}
		}
	}
	return pmix.QueryReply{Info: infos}
}

// react advances the scripted launcher lifecycle in response to the
// client's own notifications, the way a live launcher would.
func (s *Service) react(req pmix.NotifyRequest) {
	switch req.Event {
	case pmix.EventDebuggerRelease:
		target, ok := rangeProc(req.Attrs)
		if !ok {
			return
		}
		switch target.Namespace {
		case s.spec.LauncherNamespace:
			// Released launcher announces readiness for directives.
			s.Push(pmix.Notification{
				Event:  pmix.EventLauncherReady,
				Source: &pmix.Proc{Namespace: s.spec.LauncherNamespace, Rank: 0},
			})
		case s.spec.AppNamespace:
			// Released job runs to completion; the launcher follows.
			s.Push(pmix.Notification{
				Event:  pmix.EventJobTerminated,
				Source: &pmix.Proc{Namespace: s.spec.AppNamespace, Rank: pmix.RankWildcard},
				Info:   []pmix.Info{pmix.IntInfo(pmix.KeyExitCode, s.spec.AppExitCode)},
			})
			s.Push(pmix.Notification{
				Event:  pmix.EventJobTerminated,
				Source: &pmix.Proc{Namespace: s.spec.LauncherNamespace, Rank: 0},
				Info:   []pmix.Info{pmix.IntInfo(pmix.KeyExitCode, s.spec.LauncherExitCode)},
			})
		}

	case pmix.EventLaunchDirective:
		// Directed launcher starts the job and reports its namespace.
		s.Push(pmix.Notification{
			Event:  pmix.EventLaunchComplete,
			Source: &pmix.Proc{Namespace: s.spec.LauncherNamespace, Rank: 0},
			Info:   []pmix.Info{pmix.StringInfo(pmix.KeyNamespace, s.spec.AppNamespace)},
		})
	}
}

func (s *Service) handleAck(eventID string) {
	s.mu.Lock()
	s.acks = append(s.acks, eventID)
	s.inFlight = false
	s.pumpLocked()
	s.mu.Unlock()
}

func (s *Service) pushLocked(n pmix.Notification) {
	n.EventID = uuid.NewString()
	s.queue = append(s.queue, n)
	s.pumpLocked()
}

// pumpLocked sends the next queued notification if none is awaiting its
// completion ack. One notification in flight at a time: the next is not
// delivered until the client acknowledges the previous handler chain.
func (s *Service) pumpLocked() {
	if s.inFlight || len(s.queue) == 0 || s.conn == nil {
		return
	}
	n := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight = true
	go s.write(pmix.Envelope{Type: pmix.MsgNotification, Notification: &n})
}

func (s *Service) reply(id string, payload any) {
	env := pmix.Envelope{Type: pmix.MsgReply, ID: id, Status: pmix.StatusOK}
	if payload != nil {
		env.Payload = mustMarshal(payload)
	}
	s.write(env)
}

func (s *Service) write(env pmix.Envelope) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.WriteJSON(env)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func rangeProc(attrs []pmix.Info) (pmix.Proc, bool) {
	info, ok := pmix.FindInfo(attrs, pmix.KeyEventRange)
	if !ok {
		return pmix.Proc{}, false
	}
	p, err := info.Value.AsProc()
	if err != nil {
		return pmix.Proc{}, false
	}
	return p, true
}
