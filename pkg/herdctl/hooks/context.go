// Package hooks runs configured post-job actions. A job reaching a terminal
// outcome produces a Context; the Pipeline feeds it through the agent's hook
// list with per-hook filtering, conditional execution, and failure policy.
package hooks

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is a terminal job event a hook can react to.
type Event string

const (
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventTimeout   Event = "timeout"
	EventCancelled Event = "cancelled"
)

// Context is the immutable payload delivered to every hook. Its JSON encoding
// is the wire shape written to subprocess stdin and HTTP request bodies.
type Context struct {
	Event    Event          `json:"event"`
	Job      JobInfo        `json:"job"`
	Result   ResultInfo     `json:"result"`
	Agent    AgentInfo      `json:"agent"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobInfo identifies the finished job.
type JobInfo struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId"`
	ScheduleName string    `json:"scheduleName,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	CompletedAt  time.Time `json:"completedAt"`
	DurationMs   int64     `json:"durationMs"`
}

// ResultInfo carries the job outcome.
type ResultInfo struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// AgentInfo identifies the owning agent.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// JSON returns the wire encoding of the context.
func (c *Context) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// ResolvePath descends a dot-path rooted at the full context (so
// "metadata.shouldNotify" reads c.Metadata["shouldNotify"]). Missing
// intermediate keys resolve to nil.
func (c *Context) ResolvePath(path string) any {
	if path == "" {
		return nil
	}
	// Round-trip through JSON so the path walk sees the same generic tree a
	// subprocess hook would receive on stdin.
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil
	}

	var cur any = root
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// Truthy reports whether a generic metadata value counts as true: non-empty
// strings, non-zero numbers, true booleans, and non-empty objects/arrays.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}
