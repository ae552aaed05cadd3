package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeMessage mirrors the CDP wire frame.
type fakeMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     *fakeCDPError   `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type fakeCDPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type fakeTarget struct {
	ID         string
	URL        string
	Title      string
	Visibility string
}

type recordedCall struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// fakeBrowser is a scriptable in-process CDP endpoint. It records every call
// in order, answers the Target/Page/Runtime methods the session uses, and
// lets tests override any method or inject events.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	targets     []fakeTarget
	calls       []recordedCall
	sessions    map[string]string // cdp session id → target id
	nextSession int
	nextTarget  int
	conn        *websocket.Conn
	overrides   map[string]func(params json.RawMessage, sessionID string) (any, *fakeCDPError)
}

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	f := &fakeBrowser{
		t:         t,
		targets:   targets,
		sessions:  make(map[string]string),
		overrides: make(map[string]func(json.RawMessage, string) (any, *fakeCDPError)),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBrowser) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/browser?token=test-token"
}

func (f *fakeBrowser) override(method string, fn func(params json.RawMessage, sessionID string) (any, *fakeCDPError)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[method] = fn
}

func (f *fakeBrowser) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeBrowser) callsFor(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBrowser) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// emit injects an asynchronous CDP event toward the connected session.
func (f *fakeBrowser) emit(method string, params any, sessionID string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		f.t.Fatalf("emit %s: no connection", method)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		f.t.Fatalf("emit %s: %v", method, err)
	}
	data, _ := json.Marshal(fakeMessage{Method: method, Params: raw, SessionID: sessionID})
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		f.t.Logf("emit %s write failed: %v", method, err)
	}
}

func (f *fakeBrowser) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg fakeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		f.mu.Lock()
		f.calls = append(f.calls, recordedCall{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		f.mu.Unlock()

		result, cdpErr := f.handle(msg)
		reply, _ := json.Marshal(fakeMessage{ID: msg.ID, Result: result, Error: cdpErr})
		if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
			return
		}
	}
}

func (f *fakeBrowser) targetByID(id string) *fakeTarget {
	for i := range f.targets {
		if f.targets[i].ID == id {
			return &f.targets[i]
		}
	}
	return nil
}

func (f *fakeBrowser) handle(msg fakeMessage) (any, *fakeCDPError) {
	f.mu.Lock()
	if fn, ok := f.overrides[msg.Method]; ok {
		f.mu.Unlock()
		return fn(msg.Params, msg.SessionID)
	}
	defer f.mu.Unlock()

	switch msg.Method {
	case "Target.getTargets":
		infos := make([]map[string]any, 0, len(f.targets))
		for _, t := range f.targets {
			infos = append(infos, map[string]any{
				"targetId": t.ID,
				"type":     "page",
				"url":      t.URL,
				"title":    t.Title,
				"attached": false,
			})
		}
		return map[string]any{"targetInfos": infos}, nil

	case "Target.attachToTarget":
		var params struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if f.targetByID(params.TargetID) == nil {
			return nil, &fakeCDPError{Code: -32602, Message: "No target with given id found"}
		}
		f.nextSession++
		sid := fmt.Sprintf("sess-%d", f.nextSession)
		f.sessions[sid] = params.TargetID
		return map[string]any{"sessionId": sid}, nil

	case "Target.detachFromTarget":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		delete(f.sessions, params.SessionID)
		return map[string]any{}, nil

	case "Target.createTarget":
		var params struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		f.nextTarget++
		target := fakeTarget{
			ID:         fmt.Sprintf("created-%d", f.nextTarget),
			URL:        params.URL,
			Visibility: "visible",
		}
		f.targets = append(f.targets, target)
		go f.emit("Target.targetCreated", map[string]any{
			"targetInfo": map[string]any{
				"targetId": target.ID, "type": "page", "url": target.URL, "title": "",
			},
		}, "")
		return map[string]any{"targetId": target.ID}, nil

	case "Target.closeTarget":
		var params struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		kept := f.targets[:0]
		for _, t := range f.targets {
			if t.ID != params.TargetID {
				kept = append(kept, t)
			}
		}
		f.targets = kept
		go f.emit("Target.targetDestroyed", map[string]any{"targetId": params.TargetID}, "")
		return map[string]any{"success": true}, nil

	case "Runtime.evaluate":
		targetID := f.sessions[msg.SessionID]
		target := f.targetByID(targetID)
		vis := "hidden"
		if target != nil && target.Visibility != "" {
			vis = target.Visibility
		}
		return map[string]any{"result": map[string]any{"type": "string", "value": vis}}, nil

	case "Page.getFrameTree":
		targetID := f.sessions[msg.SessionID]
		url := ""
		if target := f.targetByID(targetID); target != nil {
			url = target.URL
		}
		return map[string]any{"frameTree": map[string]any{"frame": map[string]any{"id": "root", "url": url}}}, nil

	case "Page.captureScreenshot":
		return map[string]any{"data": "ZmFrZS1mcmFtZQ=="}, nil

	case "Page.getNavigationHistory":
		return map[string]any{"currentIndex": 0, "entries": []map[string]any{{"id": 1, "url": "about:blank"}}}, nil

	case "Accessibility.getFullAXTree":
		return map[string]any{"nodes": []any{}}, nil

	default:
		// Target.setDiscoverTargets, Page.enable, Runtime.enable,
		// Emulation.setDeviceMetricsOverride, screencast control, Input.*,
		// DOM.enable, DOM.focus, Page.navigate etc. succeed with an empty
		// result unless a test overrides them.
		return map[string]any{}, nil
	}
}

// --- shared test helpers ---

func sessionTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sinkEvent struct {
	Name    string
	Payload any
}

// recordSink captures events pushed to one client.
type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (r *recordSink) SendEvent(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sinkEvent{Name: name, Payload: payload})
}

func (r *recordSink) all() []sinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sinkEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordSink) named(name string) []sinkEvent {
	var out []sinkEvent
	for _, ev := range r.all() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordSink) waitFor(t *testing.T, name string) sinkEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.named(name); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %q; got %v", name, r.all())
	return sinkEvent{}
}

// requireSubsequence asserts that want appears in got in order.
func requireSubsequence(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, m := range got {
		if i < len(want) && m == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("call order mismatch:\n  want subsequence %v\n  got %v", want, got)
	}
}
