package execution

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/pkg/schema"
)

// Context is the mutable state of one run. It is created once per trigger and
// shared by reference with every node visited by that run. Child contexts,
// used for sub-flows and loop bodies, share the run's state but write into
// their own namespace of the scratch store.
type Context struct {
	runID     string
	trigger   *schema.Trigger
	graph     *graph.Graph
	namespace string
	parent    *Context
	run       *runState
}

// runState is the part of a Context shared by all namespaces of one run.
type runState struct {
	mu       sync.RWMutex
	scratch  map[string]map[string]map[string]any // namespace -> node ID -> field -> value
	messages []llm.Message
	trace    []*VertexResult
	walker   Walker
	steps    atomic.Int64

	memoMu sync.Mutex
	memo   map[string]*memoEntry
}

type memoEntry struct {
	once sync.Once
	val  any
	err  error
}

// NewContext creates the root context of a run over g.
func NewContext(runID string, trigger *schema.Trigger, g *graph.Graph) *Context {
	if trigger == nil {
		trigger = &schema.Trigger{}
	}
	return &Context{
		runID:   runID,
		trigger: trigger,
		graph:   g,
		run: &runState{
			scratch: make(map[string]map[string]map[string]any),
			memo:    make(map[string]*memoEntry),
		},
	}
}

// Child returns a context scoped under name that walks the same graph.
func (c *Context) Child(name string) *Context {
	return c.ChildFor(name, c.graph)
}

// ChildFor returns a context scoped under name that walks g, used for
// sub-flows resolved from another definition.
func (c *Context) ChildFor(name string, g *graph.Graph) *Context {
	ns := name
	if c.namespace != "" {
		ns = c.namespace + "/" + name
	}
	return &Context{
		runID:     c.runID,
		trigger:   c.trigger,
		graph:     g,
		namespace: ns,
		parent:    c,
		run:       c.run,
	}
}

// RunID returns the run identifier.
func (c *Context) RunID() string { return c.runID }

// Trigger returns the trigger that started the run.
func (c *Context) Trigger() *schema.Trigger { return c.trigger }

// Graph returns the graph this context walks.
func (c *Context) Graph() *graph.Graph { return c.graph }

// Namespace returns the scratch-store namespace ("" for the root).
func (c *Context) Namespace() string { return c.namespace }

// Parent returns the enclosing context, or nil for the root.
func (c *Context) Parent() *Context { return c.parent }

// BindWalker attaches the walker that container runners use to descend into
// nested scopes. The driver binds itself before the first node runs.
func (c *Context) BindWalker(w Walker) {
	c.run.mu.Lock()
	c.run.walker = w
	c.run.mu.Unlock()
}

// Walker returns the bound walker, or nil.
func (c *Context) Walker() Walker {
	c.run.mu.RLock()
	defer c.run.mu.RUnlock()
	return c.run.walker
}

// NextStep counts one more visited node for the whole run and returns the
// new total.
func (c *Context) NextStep() int {
	return int(c.run.steps.Add(1))
}

// --- scratch store ---

// Save writes nodeID.field into this context's namespace.
func (c *Context) Save(nodeID, field string, value any) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.saveLocked(nodeID, field, value)
}

// SaveOutput writes every field of output under nodeID.
func (c *Context) SaveOutput(nodeID string, output map[string]any) {
	if len(output) == 0 {
		return
	}
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	for k, v := range output {
		c.saveLocked(nodeID, k, v)
	}
}

func (c *Context) saveLocked(nodeID, field string, value any) {
	ns := c.run.scratch[c.namespace]
	if ns == nil {
		ns = make(map[string]map[string]any)
		c.run.scratch[c.namespace] = ns
	}
	fields := ns[nodeID]
	if fields == nil {
		fields = make(map[string]any)
		ns[nodeID] = fields
	}
	fields[field] = value
}

// Clear drops everything saved in this context's namespace and in the
// namespaces nested under it. The root namespace cannot be cleared.
func (c *Context) Clear() {
	if c.namespace == "" {
		return
	}
	prefix := c.namespace + "/"
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	for ns := range c.run.scratch {
		if ns == c.namespace || strings.HasPrefix(ns, prefix) {
			delete(c.run.scratch, ns)
		}
	}
}

// Lookup reads nodeID.field, searching this namespace first and then each
// enclosing one.
func (c *Context) Lookup(nodeID, field string) (any, bool) {
	c.run.mu.RLock()
	defer c.run.mu.RUnlock()
	for cur := c; cur != nil; cur = cur.parent {
		if fields, ok := c.run.scratch[cur.namespace][nodeID]; ok {
			if v, ok := fields[field]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// Nodes returns the scratch store as seen from this context: node ID to
// fields, with inner namespaces shadowing outer ones. The maps are copies.
func (c *Context) Nodes() map[string]any {
	var chain []*Context
	for cur := c; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	c.run.mu.RLock()
	defer c.run.mu.RUnlock()

	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for nodeID, fields := range c.run.scratch[chain[i].namespace] {
			merged, _ := out[nodeID].(map[string]any)
			if merged == nil {
				merged = make(map[string]any, len(fields))
				out[nodeID] = merged
			}
			for k, v := range fields {
				merged[k] = v
			}
		}
	}
	return out
}

// Scratch returns a copy of the whole run's scratch store keyed by namespace.
func (c *Context) Scratch() map[string]map[string]map[string]any {
	c.run.mu.RLock()
	defer c.run.mu.RUnlock()
	out := make(map[string]map[string]map[string]any, len(c.run.scratch))
	for ns, nodes := range c.run.scratch {
		cp := make(map[string]map[string]any, len(nodes))
		for id, fields := range nodes {
			f := make(map[string]any, len(fields))
			for k, v := range fields {
				f[k] = v
			}
			cp[id] = f
		}
		out[ns] = cp
	}
	return out
}

// --- accumulated messages ---

// AppendMessages records messages exchanged during the run.
func (c *Context) AppendMessages(msgs ...llm.Message) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.run.messages = append(c.run.messages, msgs...)
}

// Messages returns the messages accumulated so far, oldest first.
func (c *Context) Messages() []llm.Message {
	c.run.mu.RLock()
	defer c.run.mu.RUnlock()
	return append([]llm.Message(nil), c.run.messages...)
}

// --- trace ---

// Record appends a finished vertex result to the run's trace.
func (c *Context) Record(vr *VertexResult) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.run.trace = append(c.run.trace, vr)
}

// Trace returns the vertex results recorded so far, in visit order.
func (c *Context) Trace() []*VertexResult {
	c.run.mu.RLock()
	defer c.run.mu.RUnlock()
	return append([]*VertexResult(nil), c.run.trace...)
}

// --- per-run memo ---

// Once runs fn at most once per run for key and returns its result to every
// caller, including the error.
func (c *Context) Once(key string, fn func() (any, error)) (any, error) {
	c.run.memoMu.Lock()
	e, ok := c.run.memo[key]
	if !ok {
		e = &memoEntry{}
		c.run.memo[key] = e
	}
	c.run.memoMu.Unlock()

	e.once.Do(func() {
		e.val, e.err = fn()
	})
	return e.val, e.err
}

// --- expression data ---

// Data returns the expression environment for this context:
// "nodes" (the scratch store), "trigger" and "sys".
func (c *Context) Data() map[string]any {
	return map[string]any{
		"nodes":   c.Nodes(),
		"trigger": TriggerData(c.trigger),
		"sys": map[string]any{
			"run_id":    c.runID,
			"namespace": c.namespace,
			"now":       time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// TriggerData flattens a trigger into the map exposed to expressions.
func TriggerData(t *schema.Trigger) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	attachments := make([]any, 0, len(t.Attachments))
	for _, a := range t.Attachments {
		attachments = append(attachments, map[string]any{
			"url": a.URL, "name": a.Name, "mime_type": a.MimeType, "is_image": a.IsImage(),
		})
	}
	params := t.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"source":          string(t.Source),
		"content":         t.Content,
		"params":          params,
		"attachments":     attachments,
		"message_id":      t.MessageID,
		"agent_id":        t.AgentID,
		"user_id":         t.UserID,
		"conversation_id": t.ConversationID,
		"topic_id":        t.TopicID,
		"tenant_id":       t.TenantID,
	}
}
