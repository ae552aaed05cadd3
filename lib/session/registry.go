package session

import (
	"context"
	"log/slog"
	"sync"
)

// RegistryOptions configures how the registry builds sessions.
type RegistryOptions struct {
	// Endpoint maps a browser token to its CDP websocket URL.
	Endpoint func(token string) string

	ScreencastQuality       int
	ScreencastEveryNthFrame int
	ViewportWidth           int
	ViewportHeight          int
}

// Registry is the process-wide map from token to session and from socket to
// client. It owns both sides of the binding, so session and client never
// hold references to each other and destruction stays deterministic.
type Registry struct {
	logger *slog.Logger
	opts   RegistryOptions

	mu       sync.Mutex
	sessions map[string]*Session // token → session
	clients  map[string]*Client  // socket id → client
	tokens   map[string]string   // socket id → token
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions, logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*Session),
		clients:  make(map[string]*Client),
		tokens:   make(map[string]string),
	}
}

// Attach binds a new client to the session for token, creating and
// connecting the session if this is its first client. A client joining an
// existing session receives a synthesized connected event to prime its
// state. Returns whether an existing session was reused.
func (r *Registry) Attach(ctx context.Context, socketID, token string, kind ClientKind, sink EventSink) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.tokens[socketID]; bound {
		r.detachLocked(ctx, socketID)
	}

	if sink == nil {
		sink = NopSink{}
	}
	client := &Client{SocketID: socketID, Kind: kind, Sink: sink}

	if sess, ok := r.sessions[token]; ok {
		sess.AddClient(ctx, client)
		r.clients[socketID] = client
		r.tokens[socketID] = token
		sink.SendEvent(EventConnected, ConnectedPayload{URL: "", TargetID: nil})
		r.logger.Info("client joined existing session", "socket_id", socketID, "token", token, "kind", kind)
		return true, nil
	}

	sess := New(token, Options{
		Endpoint:                r.opts.Endpoint(token),
		ScreencastQuality:       r.opts.ScreencastQuality,
		ScreencastEveryNthFrame: r.opts.ScreencastEveryNthFrame,
		ViewportWidth:           r.opts.ViewportWidth,
		ViewportHeight:          r.opts.ViewportHeight,
	}, r.logger)
	sess.AddClient(ctx, client)
	r.sessions[token] = sess
	r.clients[socketID] = client
	r.tokens[socketID] = token

	if err := sess.Connect(ctx); err != nil {
		delete(r.sessions, token)
		delete(r.clients, socketID)
		delete(r.tokens, socketID)
		return false, err
	}
	r.logger.Info("client attached to new session", "socket_id", socketID, "token", token, "kind", kind)
	return false, nil
}

// Detach unbinds a client. The session is torn down when its last client
// leaves: screencast stopped, page detached, transport closed.
func (r *Registry) Detach(ctx context.Context, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(ctx, socketID)
}

func (r *Registry) detachLocked(ctx context.Context, socketID string) {
	client, ok := r.clients[socketID]
	if !ok {
		return
	}
	token := r.tokens[socketID]
	delete(r.clients, socketID)
	delete(r.tokens, socketID)

	sess := r.sessions[token]
	if sess == nil {
		return
	}
	remaining := sess.RemoveClient(ctx, socketID)
	r.logger.Info("client detached", "socket_id", socketID, "token", token, "kind", client.Kind, "remaining", remaining)
	if remaining == 0 {
		sess.Disconnect(ctx)
		delete(r.sessions, token)
		r.logger.Info("session destroyed", "token", token)
	}
}

// OnSocketDisconnect handles a dropped client connection.
func (r *Registry) OnSocketDisconnect(ctx context.Context, socketID string) {
	r.Detach(ctx, socketID)
}

// GetSessionByToken returns the session for token, or nil.
func (r *Registry) GetSessionByToken(token string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[token]
}

// SessionFor returns the session a socket is bound to, or nil.
func (r *Registry) SessionFor(socketID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[socketID]
	if !ok {
		return nil
	}
	return r.sessions[token]
}

// ClientFor returns the client bound to a socket, or nil.
func (r *Registry) ClientFor(socketID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[socketID]
}

// Counts returns the number of live sessions and attached clients.
func (r *Registry) Counts() (sessions, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.clients)
}
