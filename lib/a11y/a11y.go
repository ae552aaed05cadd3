// Package a11y compresses raw Accessibility.getFullAXTree output into a
// compact, line-oriented snapshot keyed by backend DOM node ids.
package a11y

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node is one entry of the flat node list returned by
// Accessibility.getFullAXTree. Role, name, description and value arrive as
// AXValue objects ({type, value}) but older payloads carry raw values, so
// they are kept as raw JSON and resolved through nodeProperty.
type Node struct {
	NodeID           string          `json:"nodeId"`
	Ignored          bool            `json:"ignored,omitempty"`
	Role             json.RawMessage `json:"role,omitempty"`
	Name             json.RawMessage `json:"name,omitempty"`
	Description      json.RawMessage `json:"description,omitempty"`
	Value            json.RawMessage `json:"value,omitempty"`
	Properties       []Property      `json:"properties,omitempty"`
	ChildIDs         []string        `json:"childIds,omitempty"`
	BackendDOMNodeID int64           `json:"backendDOMNodeId,omitempty"`
}

// Property is one entry of a node's property bag.
type Property struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

var controlRoles = map[string]bool{
	"button": true, "checkbox": true, "combobox": true, "listbox": true,
	"menu": true, "menubar": true, "menuitem": true, "menuitemcheckbox": true,
	"menuitemradio": true, "option": true, "progressbar": true, "radio": true,
	"scrollbar": true, "searchbox": true, "slider": true, "spinbutton": true,
	"switch": true, "tab": true, "tablist": true, "textbox": true,
	"tree": true, "treeitem": true, "link": true, "gridcell": true,
}

var landmarkRoles = map[string]bool{
	"banner": true, "complementary": true, "contentinfo": true, "form": true,
	"main": true, "navigation": true, "region": true, "search": true,
}

var leafRoles = map[string]bool{
	"textbox": true, "searchbox": true, "image": true, "progressbar": true,
	"slider": true, "separator": true, "meter": true, "scrollbar": true,
	"spinbutton": true,
}

// unwrap decodes raw JSON and collapses the AXValue {value: …} wrapper.
func unwrap(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return inner, true
		}
		return nil, false
	}
	return v, true
}

// nodeProperty resolves a named property, checking the top-level AXValue
// fields first and then the property bag. Both the {value} wrapper and raw
// values are tolerated.
func nodeProperty(n *Node, name string) (any, bool) {
	switch name {
	case "name":
		if v, ok := unwrap(n.Name); ok {
			return v, true
		}
	case "description":
		if v, ok := unwrap(n.Description); ok {
			return v, true
		}
	case "value":
		if v, ok := unwrap(n.Value); ok {
			return v, true
		}
	}
	for i := range n.Properties {
		if n.Properties[i].Name == name {
			return unwrap(n.Properties[i].Value)
		}
	}
	return nil, false
}

func propString(n *Node, name string) string {
	v, ok := nodeProperty(n, name)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(s)
	}
	return ""
}

// truthy mirrors loose truthiness over the mixed-type property bag.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	case nil:
		return false
	}
	return true
}

func propTruthy(n *Node, name string) bool {
	v, ok := nodeProperty(n, name)
	return ok && truthy(v)
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func nodeRole(n *Node) string {
	v, ok := unwrap(n.Role)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func isIgnored(n *Node) bool {
	return n.Ignored || nodeRole(n) == "Ignored"
}

// isLeaf reports whether the node cannot carry interesting structure below
// itself: leaf-only roles, no children, or only ignored/textual children.
func isLeaf(n *Node, byID map[string]*Node) bool {
	if leafRoles[nodeRole(n)] {
		return true
	}
	if len(n.ChildIDs) == 0 {
		return true
	}
	for _, id := range n.ChildIDs {
		c, ok := byID[id]
		if !ok {
			continue
		}
		switch role := nodeRole(c); {
		case isIgnored(c):
		case role == "StaticText" || role == "text" || role == "none":
		default:
			return false
		}
	}
	return true
}

// isInteresting decides whether a node is worth surfacing. insideControl is
// true when any ancestor carries a control role; such nodes are suppressed
// unless focusable or themselves a control/landmark.
func isInteresting(n *Node, byID map[string]*Node, insideControl bool) bool {
	role := nodeRole(n)
	if isIgnored(n) {
		return false
	}

	roleInteresting := controlRoles[role] || landmarkRoles[role]
	focusable := propTruthy(n, "focusable")
	if insideControl && !focusable && !roleInteresting {
		return false
	}
	if roleInteresting {
		return true
	}
	if focusable || propTruthy(n, "editable") || propTruthy(n, "modal") {
		return true
	}
	if live, ok := nodeProperty(n, "live"); ok {
		if s, _ := live.(string); s != "" && s != "off" {
			return true
		}
	}

	name := propString(n, "name")
	if role == "heading" && name != "" {
		return true
	}
	if isLeaf(n, byID) && (name != "" || propString(n, "description") != "") {
		return true
	}
	if role == "image" && name != "" {
		return true
	}
	if (role == "StaticText" || role == "text") && name != "" {
		return true
	}
	return false
}

// Filter returns the interesting subset of nodes, in original order, with
// ancestors of interesting nodes preserved so the result stays a connected
// tree. Child id lists are pruned to surviving children.
func Filter(nodes []Node) []Node {
	if len(nodes) == 0 {
		return nil
	}

	byID := make(map[string]*Node, len(nodes))
	parent := make(map[string]string, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}
	for i := range nodes {
		for _, cid := range nodes[i].ChildIDs {
			parent[cid] = nodes[i].NodeID
		}
	}

	keep := make(map[string]bool, len(nodes))
	var walk func(id string, insideControl bool)
	walk = func(id string, insideControl bool) {
		n, ok := byID[id]
		if !ok {
			return
		}
		if isInteresting(n, byID, insideControl) {
			for cur := id; cur != "" && !keep[cur]; {
				keep[cur] = true
				cur = parent[cur]
			}
		}
		childInsideControl := insideControl || controlRoles[nodeRole(n)]
		for _, cid := range n.ChildIDs {
			walk(cid, childInsideControl)
		}
	}
	walk(nodes[0].NodeID, false)

	out := make([]Node, 0, len(nodes))
	for i := range nodes {
		if !keep[nodes[i].NodeID] {
			continue
		}
		n := nodes[i]
		var childIDs []string
		for _, cid := range n.ChildIDs {
			if keep[cid] {
				childIDs = append(childIDs, cid)
			}
		}
		n.ChildIDs = childIDs
		out = append(out, n)
	}
	return out
}

// Format renders nodes as the compact text snapshot: one line per node,
// two-space indent per depth level, ids of the form uid=<depth>_<backendId>.
func Format(nodes []Node) string {
	if len(nodes) == 0 {
		return ""
	}

	byID := make(map[string]*Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}

	var lines []string
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		n, ok := byID[id]
		if !ok {
			return
		}
		if line := formatLine(n, depth); line != "" {
			lines = append(lines, line)
		}
		for _, cid := range n.ChildIDs {
			walk(cid, depth+1)
		}
	}
	walk(nodes[0].NodeID, 0)

	return strings.Join(lines, "\n")
}

func formatLine(n *Node, depth int) string {
	if isIgnored(n) {
		return ""
	}

	uid := n.NodeID
	if n.BackendDOMNodeID != 0 {
		uid = fmt.Sprintf("%d_%d", depth, n.BackendDOMNodeID)
	}

	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("uid=")
	b.WriteString(uid)
	b.WriteString(" ")
	b.WriteString(nodeRole(n))

	name := propString(n, "name")
	if name != "" {
		fmt.Fprintf(&b, " %q", name)
	}

	if url := propString(n, "url"); url != "" {
		fmt.Fprintf(&b, " url=%q", url)
	}
	if propTruthy(n, "focusable") {
		b.WriteString(" focusable")
	}
	if propTruthy(n, "focused") {
		b.WriteString(" focused")
	}
	if propTruthy(n, "multiline") {
		b.WriteString(" multiline")
	}
	if checked, ok := nodeProperty(n, "checked"); ok {
		if s, isStr := checked.(string); isStr && s == "mixed" {
			b.WriteString(" checked=mixed")
		} else if truthy(checked) {
			b.WriteString(" checked")
		}
	}
	if expanded, ok := nodeProperty(n, "expanded"); ok {
		if truthy(expanded) {
			b.WriteString(" expanded")
		} else {
			b.WriteString(" collapsed")
		}
	}
	if propTruthy(n, "selected") {
		b.WriteString(" selected")
	}
	if propTruthy(n, "disabled") {
		b.WriteString(" disabled")
	}
	if propTruthy(n, "required") {
		b.WriteString(" required")
	}
	if level, ok := nodeProperty(n, "level"); ok {
		if f, isNum := level.(float64); isNum {
			fmt.Fprintf(&b, " level=%s", formatNumber(f))
		}
	}
	if value := propString(n, "value"); value != "" && value != name {
		fmt.Fprintf(&b, " value=%q", value)
	}

	return b.String()
}
