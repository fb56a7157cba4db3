package schema

import "strings"

// WorkflowContent is the caller-supplied workflow graph. The engine treats it
// as immutable for the duration of one run.
type WorkflowContent struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one step in a workflow graph. Type is a tag of the form
// "provider.operation" (e.g. "openai.chat.completion", "flow.iterate");
// the bare tag "trigger" aliases "webhook.trigger" and "drop" marks an
// editor placeholder that the engine skips entirely.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position *Position      `json:"position,omitempty"` // layout only, ignored by execution
	Data     map[string]any `json:"data,omitempty"`
}

// Position is editor layout metadata carried through untouched.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// NodeTypeDrop marks editor placeholder nodes excluded from execution.
const NodeTypeDrop = "drop"

// Binding splits the node type tag into provider and operation.
// Returns ok=false for drop placeholders and malformed tags.
func (n Node) Binding() (provider, operation string, ok bool) {
	switch n.Type {
	case NodeTypeDrop, "":
		return "", "", false
	case "trigger":
		return "webhook", "trigger", true
	}
	parts := strings.SplitN(n.Type, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsTrigger reports whether the node starts execution order discovery.
func (n Node) IsTrigger() bool {
	if n.Type == "trigger" {
		return true
	}
	_, op, ok := n.Binding()
	return ok && (op == "trigger" || strings.HasSuffix(op, ".trigger"))
}

// CredentialID returns the credential reference attached to the node config.
func (n Node) CredentialID() string {
	if n.Data == nil {
		return ""
	}
	if id, ok := n.Data["credentialId"].(string); ok {
		return id
	}
	return ""
}

// NodeByID finds a node in the content by ID.
func (c *WorkflowContent) NodeByID(id string) (Node, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
