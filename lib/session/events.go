package session

// Server-push event names delivered to client sinks.
const (
	EventFrame           = "browser:frame"
	EventURLChanged      = "browser:urlChanged"
	EventConnected       = "browser:connected"
	EventPageCreated     = "browser:pageCreated"
	EventPageDestroyed   = "browser:pageDestroyed"
	EventPageInfoChanged = "browser:pageInfoChanged"
	EventPageSwitched    = "browser:pageSwitched"
	EventPageList        = "browser:pageList"
	EventError           = "browser:error"
)

// PageInfo describes one page target.
type PageInfo struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// ConnectedPayload accompanies EventConnected. TargetID is nil on the
// synthesized priming event sent to clients joining an existing session.
type ConnectedPayload struct {
	URL      string  `json:"url"`
	TargetID *string `json:"targetId"`
}

// PageSwitchedPayload accompanies EventPageSwitched.
type PageSwitchedPayload struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
}

// PageDestroyedPayload accompanies EventPageDestroyed.
type PageDestroyedPayload struct {
	TargetID string `json:"targetId"`
}

// PageListPayload accompanies EventPageList.
type PageListPayload struct {
	Pages          []PageInfo `json:"pages"`
	ActiveTargetID string     `json:"activeTargetId"`
}
