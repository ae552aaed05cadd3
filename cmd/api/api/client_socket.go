package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"

	"github.com/openmux/browsermux/lib/keymap"
	"github.com/openmux/browsermux/lib/logger"
	"github.com/openmux/browsermux/lib/session"
)

// errNoSession is the reply message for requests on an unbound socket.
var errNoSession = errors.New("No browser session")

// errAPIOnly guards actions restricted to api clients.
var errAPIOnly = errors.New("action requires an api client")

// clientRequest is the inbound envelope: request-reply actions carry an id,
// fire-and-forget input does not expect a reply.
type clientRequest struct {
	ID     int64           `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

type clientReply struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type serverEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

const outboundBuffer = 256

// socketSink queues outbound messages for one client socket. SendEvent never
// blocks: a slow consumer loses frames, not the session lock.
type socketSink struct {
	logger *slog.Logger
	out    chan any
	done   chan struct{}
	once   sync.Once
}

func newSocketSink(logger *slog.Logger) *socketSink {
	return &socketSink{
		logger: logger,
		out:    make(chan any, outboundBuffer),
		done:   make(chan struct{}),
	}
}

func (s *socketSink) SendEvent(event string, payload any) {
	select {
	case s.out <- serverEvent{Event: event, Payload: payload}:
	case <-s.done:
	default:
		s.logger.Debug("dropping event for slow client", "event", event)
	}
}

// send queues a reply. Unlike events, replies wait for buffer space.
func (s *socketSink) send(v any) {
	select {
	case s.out <- v:
	case <-s.done:
	}
}

func (s *socketSink) close() {
	s.once.Do(func() { close(s.done) })
}

// HandleClientSocket upgrades the connection and runs the browser:* protocol
// until the client goes away.
func (s *ApiService) HandleClientSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		log.Error("failed to accept client websocket", "err", err)
		return
	}

	socketID := cuid2.Generate()
	log = log.With("socket_id", socketID)
	sink := newSocketSink(log)

	defer func() {
		s.registry.OnSocketDisconnect(context.Background(), socketID)
		sink.close()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	go writeOutbound(conn, sink, log)

	log.Info("client socket connected")
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("client socket closed", "err", err)
			return
		}
		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn("malformed client request", "err", err)
			continue
		}
		s.handleClientRequest(ctx, socketID, sink, req, log)
	}
}

func writeOutbound(conn *websocket.Conn, sink *socketSink, log *slog.Logger) {
	for {
		select {
		case v := <-sink.out:
			data, err := json.Marshal(v)
			if err != nil {
				log.Error("failed to marshal outbound message", "err", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-sink.done:
			return
		}
	}
}

func (s *ApiService) handleClientRequest(ctx context.Context, socketID string, sink *socketSink, req clientRequest, log *slog.Logger) {
	if isInputAction(req.Action) {
		s.handleInput(ctx, socketID, req, log)
		return
	}

	actionCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	data, err := s.dispatchAction(actionCtx, socketID, sink, req)
	reply := clientReply{ID: req.ID, Success: err == nil, Data: data}
	if err != nil {
		reply.Message = err.Error()
		log.Warn("client action failed", "action", req.Action, "err", err)
	}
	sink.send(reply)
}

func (s *ApiService) dispatchAction(ctx context.Context, socketID string, sink *socketSink, req clientRequest) (any, error) {
	switch req.Action {
	case "browser:connect":
		var params struct {
			Token      string `json:"token"`
			ClientType string `json:"clientType"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Token == "" {
			return nil, errors.New("token is required")
		}
		kind := session.ClientViewer
		if params.ClientType == string(session.ClientAPI) {
			kind = session.ClientAPI
		}
		_, err := s.registry.Attach(ctx, socketID, params.Token, kind, sink)
		return nil, err

	case "browser:disconnect":
		s.registry.Detach(ctx, socketID)
		return nil, nil
	}

	sess := s.registry.SessionFor(socketID)
	if sess == nil {
		return nil, errNoSession
	}

	switch req.Action {
	case "browser:navigate":
		var params struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.URL == "" {
			return nil, errors.New("url is required")
		}
		return nil, sess.Navigate(ctx, params.URL)

	case "browser:goBack":
		return nil, sess.GoBack(ctx)

	case "browser:goForward":
		return nil, sess.GoForward(ctx)

	case "browser:reload":
		return nil, sess.Reload(ctx)

	case "browser:switchPage":
		var params struct {
			TargetID string `json:"targetId"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.TargetID == "" {
			return nil, errors.New("targetId is required")
		}
		return nil, sess.SwitchToPage(ctx, params.TargetID)

	case "browser:newPage":
		var params struct {
			URL string `json:"url"`
		}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		return nil, sess.CreateNewPage(ctx, params.URL)

	case "browser:closePage":
		var params struct {
			TargetID string `json:"targetId"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.TargetID == "" {
			return nil, errors.New("targetId is required")
		}
		return nil, sess.ClosePage(ctx, params.TargetID)

	case "browser:clickAt":
		var params struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, errors.New("x and y are required")
		}
		return nil, sess.ClickAt(ctx, params.X, params.Y)

	case "browser:click":
		if err := s.requireAPIClient(socketID); err != nil {
			return nil, err
		}
		var params struct {
			BackendNodeID int64 `json:"backendNodeId"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.BackendNodeID == 0 {
			return nil, errors.New("backendNodeId is required")
		}
		return nil, sess.Click(ctx, params.BackendNodeID)

	case "browser:fill":
		if err := s.requireAPIClient(socketID); err != nil {
			return nil, err
		}
		var params struct {
			BackendNodeID int64  `json:"backendNodeId"`
			Value         string `json:"value"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.BackendNodeID == 0 {
			return nil, errors.New("backendNodeId is required")
		}
		return nil, sess.Fill(ctx, params.BackendNodeID, params.Value)

	case "browser:getSnapshot":
		if err := s.requireAPIClient(socketID); err != nil {
			return nil, err
		}
		params := struct {
			InterestingOnly *bool `json:"interestingOnly"`
			Compressed      *bool `json:"compressed"`
		}{}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		interestingOnly := params.InterestingOnly == nil || *params.InterestingOnly
		compressed := params.Compressed == nil || *params.Compressed
		snapshot, err := sess.Snapshot(ctx, interestingOnly, compressed)
		if err != nil {
			return nil, err
		}
		return map[string]any{"snapshot": snapshot}, nil

	case "browser:getScreenshot":
		if err := s.requireAPIClient(socketID); err != nil {
			return nil, err
		}
		var opts session.ScreenshotOptions
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &opts); err != nil {
				return nil, errors.New("invalid screenshot options")
			}
		}
		return sess.Screenshot(ctx, opts)

	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

func (s *ApiService) requireAPIClient(socketID string) error {
	client := s.registry.ClientFor(socketID)
	if client == nil || client.Kind != session.ClientAPI {
		return errAPIOnly
	}
	return nil
}

var inputActions = map[string]bool{
	"browser:mouseMove":            true,
	"browser:scroll":               true,
	"browser:keyDown":              true,
	"browser:keyUp":                true,
	"browser:imeSetComposition":    true,
	"browser:imeCommitComposition": true,
	"browser:insertText":           true,
}

func isInputAction(action string) bool {
	return inputActions[action]
}

// handleInput forwards fire-and-forget input. Only viewers may inject input,
// and failures are logged rather than replied.
func (s *ApiService) handleInput(ctx context.Context, socketID string, req clientRequest, log *slog.Logger) {
	client := s.registry.ClientFor(socketID)
	sess := s.registry.SessionFor(socketID)
	if client == nil || sess == nil || client.Kind != session.ClientViewer {
		log.Debug("dropping input from non-viewer socket", "action", req.Action)
		return
	}

	inputCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	var err error
	switch req.Action {
	case "browser:mouseMove":
		var p struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err = json.Unmarshal(req.Params, &p); err == nil {
			err = sess.MouseMove(inputCtx, p.X, p.Y)
		}

	case "browser:scroll":
		var p struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			DeltaX float64 `json:"deltaX"`
			DeltaY float64 `json:"deltaY"`
		}
		if err = json.Unmarshal(req.Params, &p); err == nil {
			err = sess.Scroll(inputCtx, p.X, p.Y, p.DeltaX, p.DeltaY)
		}

	case "browser:keyDown", "browser:keyUp":
		var p struct {
			Key       string           `json:"key"`
			Code      string           `json:"code"`
			Modifiers keymap.Modifiers `json:"modifiers"`
		}
		if err = json.Unmarshal(req.Params, &p); err == nil {
			if req.Action == "browser:keyDown" {
				err = sess.KeyDown(inputCtx, p.Key, p.Code, p.Modifiers)
			} else {
				err = sess.KeyUp(inputCtx, p.Key, p.Code, p.Modifiers)
			}
		}

	case "browser:imeSetComposition":
		var p struct {
			Text           string `json:"text"`
			SelectionStart int    `json:"selectionStart"`
			SelectionEnd   int    `json:"selectionEnd"`
		}
		if err = json.Unmarshal(req.Params, &p); err == nil {
			err = sess.IMESetComposition(inputCtx, p.Text, p.SelectionStart, p.SelectionEnd)
		}

	case "browser:imeCommitComposition":
		var p struct {
			Text string `json:"text"`
		}
		if err = json.Unmarshal(req.Params, &p); err == nil {
			err = sess.IMECommitComposition(inputCtx, p.Text)
		}

	case "browser:insertText":
		var p struct {
			Text string `json:"text"`
		}
		if err = json.Unmarshal(req.Params, &p); err == nil {
			err = sess.InsertText(inputCtx, p.Text)
		}
	}
	if err != nil {
		log.Debug("input action failed", "action", req.Action, "err", err)
	}
}
