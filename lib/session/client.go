package session

// ClientKind distinguishes the two client variants: viewers receive the
// screencast and lifecycle events; API clients only receive replies to their
// own actions.
type ClientKind string

const (
	ClientViewer ClientKind = "viewer"
	ClientAPI    ClientKind = "api"
)

// EventSink receives server-push events for one client. Implementations must
// not block: the session broadcasts while holding its lock.
type EventSink interface {
	SendEvent(event string, payload any)
}

// NopSink discards all events. It is the default sink for API clients.
type NopSink struct{}

func (NopSink) SendEvent(string, any) {}

// Client is one attached remote client, bound to exactly one session for its
// lifetime. The registry owns the binding; the session only broadcasts.
type Client struct {
	SocketID string
	Kind     ClientKind
	Sink     EventSink
}
