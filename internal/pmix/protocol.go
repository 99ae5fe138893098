package pmix

import "encoding/json"

// decodePayload decodes a reply payload into its typed form. Unknown
// fields pass through untouched; newer services may carry attributes this
// client does not know.
func decodePayload(data json.RawMessage, out any) error {
	return json.Unmarshal(data, out)
}

// MessageType discriminates wire envelopes.
type MessageType string

const (
	MsgRequest       MessageType = "request"
	MsgReply         MessageType = "reply"
	MsgNotification  MessageType = "notification"
	MsgEventComplete MessageType = "event_complete"
)

// Op names the request operations the service consumes.
type Op string

const (
	OpSpawn      Op = "spawn"
	OpGet        Op = "get"
	OpQuery      Op = "query"
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
	OpNotify     Op = "notify"
)

// Envelope is the single frame type exchanged with the service. Requests
// carry ID+Op+Payload; replies echo the ID with Status and a payload;
// notifications carry Notification; event-complete acks echo EventID.
type Envelope struct {
	Type         MessageType     `json:"type"`
	ID           string          `json:"id,omitempty"`
	Op           Op              `json:"op,omitempty"`
	Status       Status          `json:"status,omitempty"`
	Error        string          `json:"error,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Notification *Notification   `json:"notification,omitempty"`
	EventID      string          `json:"event_id,omitempty"`
}

// SpawnRequest asks the service to start one application.
type SpawnRequest struct {
	Attrs []Info `json:"attrs,omitempty"`
	App   App    `json:"app"`
}

// SpawnReply returns the namespace the service assigned to the spawned job.
type SpawnReply struct {
	Namespace string `json:"nspace"`
}

// GetRequest resolves one attribute key scoped to a process identity.
type GetRequest struct {
	Proc Proc   `json:"proc"`
	Key  string `json:"key"`
}

// GetReply carries the resolved value; an empty Type means not found.
type GetReply struct {
	Value Value `json:"value"`
}

// QueryRequest resolves a set of queries.
type QueryRequest struct {
	Queries []Query `json:"queries"`
}

// QueryReply carries the query results as keyed values.
type QueryReply struct {
	Info []Info `json:"info"`
}

// RegisterRequest subscribes a handler to the named event kinds. An empty
// Events list registers the default (catch-all) handler. Attrs scope the
// subscription (affected process, handler name).
type RegisterRequest struct {
	Events []string `json:"events,omitempty"`
	Attrs  []Info   `json:"attrs,omitempty"`
}

// RegisterReply returns the service-assigned subscription id.
type RegisterReply struct {
	HandlerID uint64 `json:"handler_id"`
}

// DeregisterRequest removes a subscription by id.
type DeregisterRequest struct {
	HandlerID uint64 `json:"handler_id"`
}

// NotifyRequest publishes an event toward a delivery range.
type NotifyRequest struct {
	Event string `json:"event"`
	Range string `json:"range"`
	Attrs []Info `json:"attrs,omitempty"`
}
