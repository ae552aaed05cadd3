// Package session implements the browser mediation core: per-token sessions
// that own one CDP connection, multiplex viewer and API clients onto the
// active page, and expose the uniform action surface (navigation, input,
// snapshot, screenshot).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/openmux/browsermux/lib/a11y"
	"github.com/openmux/browsermux/lib/cdp"
	"github.com/openmux/browsermux/lib/keymap"
)

var (
	// ErrNotConnected is returned by actions once the CDP transport is gone.
	ErrNotConnected = errors.New("Browser not connected")
	// errNoPage signals that no page target exists at all.
	errNoPage = errors.New("no page target available")
)

// Options carries the per-session tuning knobs.
type Options struct {
	// Endpoint is the CDP websocket URL for this session's browser,
	// typically ws://<pool-host>:<port>/browser?token=<token>.
	Endpoint string

	ScreencastQuality       int
	ScreencastEveryNthFrame int
	ViewportWidth           int
	ViewportHeight          int
}

// eventOpTimeout bounds CDP work done from the event dispatch goroutine,
// where no caller deadline exists.
const eventOpTimeout = 10 * time.Second

type pressedModifiers struct {
	ctrl, alt, shift bool
}

func (p pressedModifiers) flags() int {
	flags := 0
	if p.alt {
		flags |= 1
	}
	if p.ctrl {
		flags |= 2
	}
	if p.shift {
		flags |= 8
	}
	return flags
}

// Session wraps one CDP connection for one browser token. All public methods
// are serialized by the session mutex; CDP replies are routed on the
// transport's read loop so holding the mutex across calls cannot deadlock.
type Session struct {
	token  string
	opts   Options
	logger *slog.Logger

	mu              sync.Mutex
	cdp             *cdp.Client
	connected       bool
	ready           bool // attach protocol finished; target events are live
	activeSessionID string
	activeTargetID  string
	currentURL      string
	clients         map[string]*Client
	knownTargets    map[string]bool // targets already seen; discovery replays must not switch
	screencastOn    bool
	pressed         pressedModifiers
}

// New creates a session for token. It does not connect; call Connect.
func New(token string, opts Options, logger *slog.Logger) *Session {
	return &Session{
		token:        token,
		opts:         opts,
		logger:       logger.With("session_id", uuid.NewString(), "token", token),
		clients:      make(map[string]*Client),
		knownTargets: make(map[string]bool),
	}
}

func (s *Session) Token() string { return s.token }

// CurrentURL returns the active page's last known URL.
func (s *Session) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// ActiveTargetID returns the attached page's target id, or "".
func (s *Session) ActiveTargetID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTargetID
}

// ClientCount returns the number of attached clients of both kinds.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ScreencastRunning reports whether the page screencast is active.
func (s *Session) ScreencastRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screencastOn
}

// Connect dials the browser's CDP endpoint and runs the attach protocol:
// discover targets, elect the active page (creating a blank one if none
// exists), attach flattened, and prime the viewport and screencast.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	client, err := cdp.Dial(ctx, s.opts.Endpoint, s.logger)
	if err != nil {
		return err
	}
	client.OnEvent(s.handleCDPEvent)
	client.OnClose(s.handleTransportClosed)
	s.cdp = client

	fail := func(err error) error {
		client.Close()
		s.cdp = nil
		return err
	}

	if _, err := client.Call(ctx, "Target.setDiscoverTargets", map[string]bool{"discover": true}, ""); err != nil {
		return fail(fmt.Errorf("enable target discovery: %w", err))
	}

	targetID, err := s.findActiveTargetLocked(ctx)
	if errors.Is(err, errNoPage) {
		targetID, err = s.createTargetLocked(ctx, "about:blank")
	}
	if err != nil {
		return fail(err)
	}

	if err := s.attachToPageLocked(ctx, targetID); err != nil {
		return fail(err)
	}
	s.knownTargets[targetID] = true
	s.connected = true
	s.ready = true

	s.broadcastLocked(EventConnected, ConnectedPayload{URL: s.currentURL, TargetID: &targetID})
	s.emitPageListLocked(ctx)

	s.logger.Info("browser session connected", "url", s.currentURL, "target_id", targetID)
	return nil
}

// Disconnect stops the screencast, detaches from the page and closes the
// transport. Safe to call more than once.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cdp == nil {
		return
	}
	s.stopScreencastLocked(ctx)
	if s.activeSessionID != "" {
		_, _ = s.cdp.Call(ctx, "Target.detachFromTarget", map[string]string{"sessionId": s.activeSessionID}, "")
		s.activeSessionID = ""
	}
	s.cdp.Close()
	s.cdp = nil
	s.connected = false
	s.ready = false
	s.activeTargetID = ""
	s.knownTargets = make(map[string]bool)
	s.logger.Info("browser session disconnected")
}

// AddClient attaches a client. The first viewer starts the screencast.
func (s *Session) AddClient(ctx context.Context, c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.SocketID] = c
	if c.Kind == ClientViewer && s.connected && !s.screencastOn {
		s.startScreencastLocked(ctx)
	}
}

// RemoveClient detaches a client and returns how many remain. The last
// viewer leaving stops the screencast.
func (s *Session) RemoveClient(ctx context.Context, socketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, socketID)
	if s.viewerCountLocked() == 0 {
		s.stopScreencastLocked(ctx)
	}
	return len(s.clients)
}

func (s *Session) viewerCountLocked() int {
	n := 0
	for _, c := range s.clients {
		if c.Kind == ClientViewer {
			n++
		}
	}
	return n
}

// broadcastLocked delivers an event to every viewer sink. Sinks are
// non-blocking by contract.
func (s *Session) broadcastLocked(event string, payload any) {
	for _, c := range s.clients {
		if c.Kind != ClientViewer {
			continue
		}
		c.Sink.SendEvent(event, payload)
	}
}

func (s *Session) requireAttachedLocked() error {
	if s.cdp == nil || !s.connected || s.activeSessionID == "" {
		return ErrNotConnected
	}
	return nil
}

// --- active-page election ---

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Attached bool   `json:"attached"`
}

func (s *Session) getTargetsLocked(ctx context.Context) ([]targetInfo, error) {
	res, err := s.cdp.Call(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		TargetInfos []targetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(res, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal targets: %w", err)
	}
	return lo.Filter(parsed.TargetInfos, func(t targetInfo, _ int) bool {
		return t.Type == "page"
	}), nil
}

// findActiveTargetLocked probes document.visibilityState across all page
// targets and returns the first visible one, falling back to the first
// non-blank page, then to any page, then errNoPage.
func (s *Session) findActiveTargetLocked(ctx context.Context) (string, error) {
	pages, err := s.getTargetsLocked(ctx)
	if err != nil {
		return "", err
	}
	// setDiscoverTargets replays targetCreated for every target that already
	// exists; remember them so those replays never trigger a page switch.
	for _, t := range pages {
		s.knownTargets[t.TargetID] = true
	}
	candidates := lo.Filter(pages, func(t targetInfo, _ int) bool {
		return t.URL != "about:blank"
	})

	for _, t := range candidates {
		state, err := s.probeVisibilityLocked(ctx, t.TargetID)
		if err != nil {
			s.logger.Debug("visibility probe failed", "target_id", t.TargetID, "err", err)
			continue
		}
		if state == "visible" {
			return t.TargetID, nil
		}
	}
	if len(candidates) > 0 {
		return candidates[0].TargetID, nil
	}
	if len(pages) > 0 {
		return pages[0].TargetID, nil
	}
	return "", errNoPage
}

// probeVisibilityLocked temporarily attaches to a target to evaluate
// document.visibilityState, detaching before it returns.
func (s *Session) probeVisibilityLocked(ctx context.Context, targetID string) (string, error) {
	res, err := s.cdp.Call(ctx, "Target.attachToTarget", map[string]any{"targetId": targetID, "flatten": true}, "")
	if err != nil {
		return "", err
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attach); err != nil {
		return "", fmt.Errorf("unmarshal attach reply: %w", err)
	}
	defer func() {
		_, _ = s.cdp.Call(ctx, "Target.detachFromTarget", map[string]string{"sessionId": attach.SessionID}, "")
	}()

	if _, err := s.cdp.Call(ctx, "Runtime.enable", nil, attach.SessionID); err != nil {
		return "", err
	}
	evalRes, err := s.cdp.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "document.visibilityState",
		"returnByValue": true,
	}, attach.SessionID)
	if err != nil {
		return "", err
	}
	var eval struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(evalRes, &eval); err != nil {
		return "", fmt.Errorf("unmarshal evaluate reply: %w", err)
	}
	return eval.Result.Value, nil
}

// --- page attach / switch ---

// attachToPageLocked performs attach protocol steps 5-7 against targetID:
// flattened attach, Page+Runtime enable, initial URL, default viewport, and
// screencast restart when viewers are present.
func (s *Session) attachToPageLocked(ctx context.Context, targetID string) error {
	res, err := s.cdp.Call(ctx, "Target.attachToTarget", map[string]any{"targetId": targetID, "flatten": true}, "")
	if err != nil {
		return fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attach); err != nil {
		return fmt.Errorf("unmarshal attach reply: %w", err)
	}
	sid := attach.SessionID

	if _, err := s.cdp.Call(ctx, "Page.enable", nil, sid); err != nil {
		return fmt.Errorf("enable Page domain: %w", err)
	}
	if _, err := s.cdp.Call(ctx, "Runtime.enable", nil, sid); err != nil {
		return fmt.Errorf("enable Runtime domain: %w", err)
	}

	treeRes, err := s.cdp.Call(ctx, "Page.getFrameTree", nil, sid)
	if err != nil {
		return fmt.Errorf("read frame tree: %w", err)
	}
	var tree struct {
		FrameTree struct {
			Frame struct {
				URL string `json:"url"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := json.Unmarshal(treeRes, &tree); err != nil {
		return fmt.Errorf("unmarshal frame tree: %w", err)
	}

	if _, err := s.cdp.Call(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width":             s.opts.ViewportWidth,
		"height":            s.opts.ViewportHeight,
		"deviceScaleFactor": 1,
		"mobile":            false,
	}, sid); err != nil {
		s.logger.Warn("failed to apply default viewport", "err", err)
	}

	s.activeSessionID = sid
	s.activeTargetID = targetID
	s.currentURL = tree.FrameTree.Frame.URL

	if s.viewerCountLocked() > 0 {
		s.startScreencastLocked(ctx)
	}
	return nil
}

// SwitchToPage detaches from the current page and attaches to newTargetID,
// carrying the screencast across and pushing one still frame so viewers do
// not stare at a stale image until the next screencast frame.
func (s *Session) SwitchToPage(ctx context.Context, newTargetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cdp == nil || !s.connected {
		return ErrNotConnected
	}
	return s.switchToPageLocked(ctx, newTargetID)
}

func (s *Session) switchToPageLocked(ctx context.Context, newTargetID string) error {
	if newTargetID == s.activeTargetID {
		return nil
	}

	s.stopScreencastLocked(ctx)
	if s.activeSessionID != "" {
		_, _ = s.cdp.Call(ctx, "Target.detachFromTarget", map[string]string{"sessionId": s.activeSessionID}, "")
		s.activeSessionID = ""
	}
	if _, err := s.cdp.Call(ctx, "Target.activateTarget", map[string]string{"targetId": newTargetID}, ""); err != nil {
		s.logger.Warn("failed to activate target", "target_id", newTargetID, "err", err)
	}

	if err := s.attachToPageLocked(ctx, newTargetID); err != nil {
		return err
	}

	s.pushInitialFrameLocked(ctx)
	s.broadcastLocked(EventPageSwitched, PageSwitchedPayload{TargetID: newTargetID, URL: s.currentURL})
	s.emitPageListLocked(ctx)
	return nil
}

// pushInitialFrameLocked captures one jpeg still and emits it as a frame
// event. Failures are logged, never raised.
func (s *Session) pushInitialFrameLocked(ctx context.Context) {
	res, err := s.cdp.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "jpeg", "quality": 60}, s.activeSessionID)
	if err != nil {
		s.logger.Debug("initial frame push failed", "err", err)
		return
	}
	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(res, &shot); err != nil {
		return
	}
	s.broadcastLocked(EventFrame, shot.Data)
}

func (s *Session) emitPageListLocked(ctx context.Context) {
	pages, err := s.getTargetsLocked(ctx)
	if err != nil {
		s.logger.Debug("page list refresh failed", "err", err)
		return
	}
	infos := lo.Map(pages, func(t targetInfo, _ int) PageInfo {
		return PageInfo{TargetID: t.TargetID, URL: t.URL, Title: t.Title}
	})
	s.broadcastLocked(EventPageList, PageListPayload{Pages: infos, ActiveTargetID: s.activeTargetID})
}

// --- screencast ---

func (s *Session) startScreencastLocked(ctx context.Context) {
	if s.screencastOn || s.activeSessionID == "" {
		return
	}
	_, err := s.cdp.Call(ctx, "Page.startScreencast", map[string]any{
		"format":        "jpeg",
		"quality":       s.opts.ScreencastQuality,
		"maxWidth":      s.opts.ViewportWidth,
		"maxHeight":     s.opts.ViewportHeight,
		"everyNthFrame": s.opts.ScreencastEveryNthFrame,
	}, s.activeSessionID)
	if err != nil {
		s.logger.Warn("failed to start screencast", "err", err)
		return
	}
	s.screencastOn = true
}

func (s *Session) stopScreencastLocked(ctx context.Context) {
	if !s.screencastOn {
		return
	}
	if s.activeSessionID != "" {
		_, _ = s.cdp.Call(ctx, "Page.stopScreencast", nil, s.activeSessionID)
	}
	s.screencastOn = false
}

// --- CDP event demux ---

func (s *Session) handleCDPEvent(ev cdp.Event) {
	switch ev.Method {
	case "Target.targetCreated":
		s.onTargetCreated(ev.Params)
	case "Target.targetDestroyed":
		s.onTargetDestroyed(ev.Params)
	case "Target.targetInfoChanged":
		s.onTargetInfoChanged(ev.Params)
	default:
		s.onPageEvent(ev)
	}
}

func (s *Session) onPageEvent(ev cdp.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SessionID == "" || ev.SessionID != s.activeSessionID {
		return
	}

	switch ev.Method {
	case "Page.frameNavigated":
		var params struct {
			Frame struct {
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
			} `json:"frame"`
		}
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			return
		}
		if params.Frame.ParentID != "" {
			return // subframe navigation
		}
		s.currentURL = params.Frame.URL
		s.broadcastLocked(EventURLChanged, params.Frame.URL)

	case "Page.screencastFrame":
		var params struct {
			Data      string `json:"data"`
			SessionID int    `json:"sessionId"`
		}
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			return
		}
		s.broadcastLocked(EventFrame, params.Data)
		// The ack carries the screencast's own session number, not the CDP
		// page session id. Fire-and-forget: CDP stops producing frames if
		// acks stall, but a lost ack only costs one frame interval.
		pageSession := s.activeSessionID
		client := s.cdp
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), eventOpTimeout)
			defer cancel()
			_, _ = client.Call(ctx, "Page.screencastFrameAck", map[string]int{"sessionId": params.SessionID}, pageSession)
		}()

	case "Page.screencastVisibilityChanged":
		s.logger.Debug("screencast visibility changed", "params", string(ev.Params))
	}
}

func parseTargetInfoEvent(params json.RawMessage) (targetInfo, bool) {
	var parsed struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &parsed); err != nil {
		return targetInfo{}, false
	}
	return parsed.TargetInfo, true
}

func (s *Session) onTargetCreated(params json.RawMessage) {
	info, ok := parseTargetInfoEvent(params)
	if !ok || info.Type != "page" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventOpTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || info.TargetID == s.activeTargetID {
		return
	}
	if s.knownTargets[info.TargetID] {
		return // discovery replay of a pre-existing target
	}
	s.knownTargets[info.TargetID] = true

	s.broadcastLocked(EventPageCreated, PageInfo{TargetID: info.TargetID, URL: info.URL, Title: info.Title})
	if err := s.switchToPageLocked(ctx, info.TargetID); err != nil {
		s.logger.Warn("failed to switch to created page", "target_id", info.TargetID, "err", err)
		s.broadcastLocked(EventError, err.Error())
	}
}

func (s *Session) onTargetDestroyed(params json.RawMessage) {
	var parsed struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &parsed); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventOpTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return
	}
	delete(s.knownTargets, parsed.TargetID)

	s.broadcastLocked(EventPageDestroyed, PageDestroyedPayload{TargetID: parsed.TargetID})
	// A switch that raced this destroy may have failed mid-attach, leaving no
	// page session; that state needs a replacement just like losing the
	// active page does.
	if parsed.TargetID != s.activeTargetID && s.activeSessionID != "" {
		s.emitPageListLocked(ctx)
		return
	}

	// The active page is gone; its flattened session died with it.
	s.activeSessionID = ""
	s.activeTargetID = ""
	s.screencastOn = false

	pages, err := s.getTargetsLocked(ctx)
	if err != nil {
		s.logger.Warn("failed to list targets after destroy", "err", err)
		return
	}
	var replacement string
	if len(pages) > 0 {
		replacement = pages[0].TargetID
	} else {
		replacement, err = s.createTargetLocked(ctx, "about:blank")
		if err != nil {
			s.logger.Warn("failed to create replacement page", "err", err)
			s.broadcastLocked(EventError, err.Error())
			return
		}
	}
	if err := s.attachToPageLocked(ctx, replacement); err != nil {
		s.logger.Warn("failed to attach replacement page", "target_id", replacement, "err", err)
		s.broadcastLocked(EventError, err.Error())
		return
	}
	s.pushInitialFrameLocked(ctx)
	s.broadcastLocked(EventPageSwitched, PageSwitchedPayload{TargetID: replacement, URL: s.currentURL})
	s.emitPageListLocked(ctx)
}

func (s *Session) onTargetInfoChanged(params json.RawMessage) {
	info, ok := parseTargetInfoEvent(params)
	if !ok || info.Type != "page" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventOpTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return
	}
	s.broadcastLocked(EventPageInfoChanged, PageInfo{TargetID: info.TargetID, URL: info.URL, Title: info.Title})
	s.emitPageListLocked(ctx)
}

func (s *Session) handleTransportClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.connected = false
	s.ready = false
	s.screencastOn = false
	s.activeSessionID = ""
	s.activeTargetID = ""
	s.knownTargets = make(map[string]bool)
	s.cdp = nil
	s.broadcastLocked(EventError, "browser disconnected")
	s.logger.Warn("cdp transport closed by remote")
}

// --- navigation and page management ---

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	_, err := s.cdp.Call(ctx, "Page.navigate", map[string]string{"url": url}, s.activeSessionID)
	return err
}

func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	_, err := s.cdp.Call(ctx, "Page.reload", nil, s.activeSessionID)
	return err
}

func (s *Session) GoBack(ctx context.Context) error {
	return s.navigateHistory(ctx, -1)
}

func (s *Session) GoForward(ctx context.Context) error {
	return s.navigateHistory(ctx, +1)
}

func (s *Session) navigateHistory(ctx context.Context, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	res, err := s.cdp.Call(ctx, "Page.getNavigationHistory", nil, s.activeSessionID)
	if err != nil {
		return err
	}
	var history struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID int `json:"id"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(res, &history); err != nil {
		return fmt.Errorf("unmarshal navigation history: %w", err)
	}
	idx := history.CurrentIndex + delta
	if idx < 0 || idx >= len(history.Entries) {
		return nil // nowhere to go
	}
	_, err = s.cdp.Call(ctx, "Page.navigateToHistoryEntry", map[string]int{"entryId": history.Entries[idx].ID}, s.activeSessionID)
	return err
}

// CreateNewPage opens a new page target; the targetCreated listener switches
// to it and fans out the state change.
func (s *Session) CreateNewPage(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cdp == nil || !s.connected {
		return ErrNotConnected
	}
	if url == "" {
		url = "about:blank"
	}
	_, err := s.createTargetLocked(ctx, url)
	return err
}

func (s *Session) createTargetLocked(ctx context.Context, url string) (string, error) {
	res, err := s.cdp.Call(ctx, "Target.createTarget", map[string]string{"url": url}, "")
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return "", fmt.Errorf("unmarshal create target reply: %w", err)
	}
	return created.TargetID, nil
}

// ClosePage closes a page target; the targetDestroyed listener handles
// electing a replacement if the active page was closed.
func (s *Session) ClosePage(ctx context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cdp == nil || !s.connected {
		return ErrNotConnected
	}
	_, err := s.cdp.Call(ctx, "Target.closeTarget", map[string]string{"targetId": targetID}, "")
	return err
}

// --- pointer input ---

func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	return s.clickAtLocked(ctx, x, y)
}

func (s *Session) clickAtLocked(ctx context.Context, x, y float64) error {
	press := map[string]any{"type": "mousePressed", "x": x, "y": y, "button": "left", "clickCount": 1}
	if _, err := s.cdp.Call(ctx, "Input.dispatchMouseEvent", press, s.activeSessionID); err != nil {
		return err
	}
	release := map[string]any{"type": "mouseReleased", "x": x, "y": y, "button": "left", "clickCount": 1}
	_, err := s.cdp.Call(ctx, "Input.dispatchMouseEvent", release, s.activeSessionID)
	return err
}

func (s *Session) MouseMove(ctx context.Context, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	_, err := s.cdp.Call(ctx, "Input.dispatchMouseEvent", map[string]any{"type": "mouseMoved", "x": x, "y": y}, s.activeSessionID)
	return err
}

func (s *Session) Scroll(ctx context.Context, x, y, deltaX, deltaY float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	_, err := s.cdp.Call(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mouseWheel", "x": x, "y": y, "deltaX": deltaX, "deltaY": deltaY,
	}, s.activeSessionID)
	return err
}

// --- keyboard input ---

func (s *Session) dispatchKeyLocked(ctx context.Context, typ, key, code string, flags, vk int) error {
	params := map[string]any{
		"type":                  typ,
		"key":                   key,
		"code":                  code,
		"modifiers":             flags,
		"windowsVirtualKeyCode": vk,
		"nativeVirtualKeyCode":  vk,
	}
	_, err := s.cdp.Call(ctx, "Input.dispatchKeyEvent", params, s.activeSessionID)
	return err
}

// KeyDown injects a key press, first synthesizing key-down events for any
// modifier the client reports held but this session has not pressed yet.
// Synthetic modifier events carry the flag set as it was before that
// modifier went down, so a downstream receiver never sees a primary key with
// a modifier flag whose key-down it never got.
func (s *Session) KeyDown(ctx context.Context, key, code string, m keymap.Modifiers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}

	// press order: Ctrl (meta folds into ctrl), Alt, Shift
	if (m.Ctrl || m.Meta) && !s.pressed.ctrl {
		if err := s.dispatchKeyLocked(ctx, "keyDown", "Control", "ControlLeft", s.pressed.flags(), 17); err != nil {
			return err
		}
		s.pressed.ctrl = true
	}
	if m.Alt && !s.pressed.alt {
		if err := s.dispatchKeyLocked(ctx, "keyDown", "Alt", "AltLeft", s.pressed.flags(), 18); err != nil {
			return err
		}
		s.pressed.alt = true
	}
	if m.Shift && !s.pressed.shift {
		if err := s.dispatchKeyLocked(ctx, "keyDown", "Shift", "ShiftLeft", s.pressed.flags(), 16); err != nil {
			return err
		}
		s.pressed.shift = true
	}

	flags := m.Flags()
	vk := keymap.WindowsVirtualKeyCode(key, code)
	if err := s.dispatchKeyLocked(ctx, "keyDown", key, code, flags, vk); err != nil {
		return err
	}

	if len([]rune(key)) == 1 {
		_, err := s.cdp.Call(ctx, "Input.dispatchKeyEvent", map[string]any{
			"type":      "char",
			"text":      key,
			"key":       key,
			"modifiers": flags,
		}, s.activeSessionID)
		if err != nil {
			return err
		}
	}
	return nil
}

// KeyUp injects a key release, then synthesizes key-up events for modifiers
// the client no longer reports held, in reverse press order.
func (s *Session) KeyUp(ctx context.Context, key, code string, m keymap.Modifiers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}

	vk := keymap.WindowsVirtualKeyCode(key, code)
	if err := s.dispatchKeyLocked(ctx, "keyUp", key, code, m.Flags(), vk); err != nil {
		return err
	}

	// release order: Shift, Alt, Ctrl; flags reflect the set after release
	if s.pressed.shift && !m.Shift {
		s.pressed.shift = false
		if err := s.dispatchKeyLocked(ctx, "keyUp", "Shift", "ShiftLeft", s.pressed.flags(), 16); err != nil {
			return err
		}
	}
	if s.pressed.alt && !m.Alt {
		s.pressed.alt = false
		if err := s.dispatchKeyLocked(ctx, "keyUp", "Alt", "AltLeft", s.pressed.flags(), 18); err != nil {
			return err
		}
	}
	if s.pressed.ctrl && !(m.Ctrl || m.Meta) {
		s.pressed.ctrl = false
		if err := s.dispatchKeyLocked(ctx, "keyUp", "Control", "ControlLeft", s.pressed.flags(), 17); err != nil {
			return err
		}
	}
	return nil
}

// --- IME and direct text insertion ---

func (s *Session) IMESetComposition(ctx context.Context, text string, selectionStart, selectionEnd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	_, err := s.cdp.Call(ctx, "Input.imeSetComposition", map[string]any{
		"text":           text,
		"selectionStart": selectionStart,
		"selectionEnd":   selectionEnd,
	}, s.activeSessionID)
	return err
}

func (s *Session) IMECommitComposition(ctx context.Context, text string) error {
	return s.InsertText(ctx, text)
}

func (s *Session) InsertText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	return s.insertTextLocked(ctx, text)
}

func (s *Session) insertTextLocked(ctx context.Context, text string) error {
	_, err := s.cdp.Call(ctx, "Input.insertText", map[string]string{"text": text}, s.activeSessionID)
	return err
}

// --- snapshot ---

// Snapshot returns the accessibility tree: a compact text rendering when
// compressed, otherwise the (optionally filtered) node list.
func (s *Session) Snapshot(ctx context.Context, interestingOnly, compressed bool) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return nil, err
	}

	if _, err := s.cdp.Call(ctx, "Accessibility.enable", nil, s.activeSessionID); err != nil {
		return nil, err
	}
	res, err := s.cdp.Call(ctx, "Accessibility.getFullAXTree", nil, s.activeSessionID)
	if err != nil {
		return nil, err
	}
	var tree struct {
		Nodes []a11y.Node `json:"nodes"`
	}
	if err := json.Unmarshal(res, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal ax tree: %w", err)
	}

	nodes := tree.Nodes
	if interestingOnly {
		nodes = a11y.Filter(nodes)
	}
	if compressed {
		return a11y.Format(nodes), nil
	}
	return nodes, nil
}

// --- element-targeted actions ---

// elementCenter resolves a backend DOM node id to the center of its box
// model content quad.
func (s *Session) elementCenterLocked(ctx context.Context, backendNodeID int64) (float64, float64, error) {
	if _, err := s.cdp.Call(ctx, "DOM.enable", nil, s.activeSessionID); err != nil {
		return 0, 0, err
	}
	res, err := s.cdp.Call(ctx, "DOM.getBoxModel", map[string]int64{"backendNodeId": backendNodeID}, s.activeSessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("Element with backendNodeId %d not found or has no box model", backendNodeID)
	}
	var box struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	if err := json.Unmarshal(res, &box); err != nil || len(box.Model.Content) < 8 {
		return 0, 0, fmt.Errorf("Element with backendNodeId %d not found or has no box model", backendNodeID)
	}
	content := box.Model.Content
	x := (content[0] + content[2] + content[4] + content[6]) / 4
	y := (content[1] + content[3] + content[5] + content[7]) / 4
	return x, y, nil
}

// Click resolves the element's box model and clicks its center.
func (s *Session) Click(ctx context.Context, backendNodeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}
	x, y, err := s.elementCenterLocked(ctx, backendNodeID)
	if err != nil {
		return err
	}
	return s.clickAtLocked(ctx, x, y)
}

// Fill focuses the element, selects all, deletes, and inserts value.
func (s *Session) Fill(ctx context.Context, backendNodeID int64, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return err
	}

	if _, err := s.cdp.Call(ctx, "DOM.enable", nil, s.activeSessionID); err != nil {
		return err
	}
	if _, err := s.cdp.Call(ctx, "DOM.focus", map[string]int64{"backendNodeId": backendNodeID}, s.activeSessionID); err != nil {
		return err
	}

	// Ctrl+A
	if err := s.dispatchKeyLocked(ctx, "keyDown", "a", "KeyA", 2, 65); err != nil {
		return err
	}
	if err := s.dispatchKeyLocked(ctx, "keyUp", "a", "KeyA", 2, 65); err != nil {
		return err
	}
	// Backspace
	if err := s.dispatchKeyLocked(ctx, "keyDown", "Backspace", "Backspace", 0, 8); err != nil {
		return err
	}
	if err := s.dispatchKeyLocked(ctx, "keyUp", "Backspace", "Backspace", 0, 8); err != nil {
		return err
	}

	return s.insertTextLocked(ctx, value)
}

// --- screenshot ---

// ScreenshotOptions selects format, quality and full-page clipping.
type ScreenshotOptions struct {
	Format   string `json:"format,omitempty"`
	Quality  *int   `json:"quality,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
}

// ScreenshotResult carries the base64 image data and its format.
type ScreenshotResult struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// Screenshot captures the current page. With FullPage the clip covers the
// full content size and capture extends beyond the viewport.
func (s *Session) Screenshot(ctx context.Context, opts ScreenshotOptions) (*ScreenshotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireAttachedLocked(); err != nil {
		return nil, err
	}

	format := opts.Format
	if format == "" {
		format = "png"
	}
	quality := 80
	if opts.Quality != nil {
		quality = *opts.Quality
	}

	params := map[string]any{"format": format}
	if format != "png" {
		params["quality"] = quality
	}
	if opts.FullPage {
		metricsRes, err := s.cdp.Call(ctx, "Page.getLayoutMetrics", nil, s.activeSessionID)
		if err != nil {
			return nil, err
		}
		var metrics struct {
			ContentSize struct {
				Width  float64 `json:"width"`
				Height float64 `json:"height"`
			} `json:"contentSize"`
		}
		if err := json.Unmarshal(metricsRes, &metrics); err != nil {
			return nil, fmt.Errorf("unmarshal layout metrics: %w", err)
		}
		params["clip"] = map[string]any{
			"x":      0,
			"y":      0,
			"width":  metrics.ContentSize.Width,
			"height": metrics.ContentSize.Height,
			"scale":  1,
		}
		params["captureBeyondViewport"] = true
	}

	res, err := s.cdp.Call(ctx, "Page.captureScreenshot", params, s.activeSessionID)
	if err != nil {
		return nil, err
	}
	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(res, &shot); err != nil {
		return nil, fmt.Errorf("unmarshal screenshot reply: %w", err)
	}
	return &ScreenshotResult{Data: shot.Data, Format: format}, nil
}
