package jmap

// Context is the per-invocation state a handler operates on: its own
// argument object, the response array it appends to, the idmap shared by
// the whole batch, and the state token snapshotted for this invocation.
// The idmap and response slice are owned by the batch executor and handed
// down by reference; handlers mutate them directly.
type Context struct {
	AccountID string
	Args      map[string]interface{}
	Tag       string
	State     string // decimal modseq, reread before this invocation
	Idmap     *Idmap

	responses *[]Response
}

// Respond appends one response triple under this invocation's tag.
func (c *Context) Respond(name string, payload interface{}) {
	*c.responses = append(*c.responses, Response{Name: name, Payload: payload, Tag: c.Tag})
}

// RespondError appends an ["error", {"type": code}, tag] response.
func (c *Context) RespondError(code ErrorCode) {
	c.Respond("error", map[string]interface{}{"type": string(code)})
}

// Handler processes one invocation. It returns a non-nil error only for a
// fatal, whole-batch-aborting condition; every recoverable per-item or
// per-invocation failure is reported via Context.RespondError / set-response
// error slots and the handler returns nil so the batch continues.
type Handler func(ctx *Context) error

// Registry is the static method_name -> handler table. It
// is built once at startup and never mutated afterward, the only
// process-wide shared state the executor needs.
type Registry map[string]Handler

// Lookup returns the handler for name, or ok=false if name is unregistered.
func (r Registry) Lookup(name string) (Handler, bool) {
	h, ok := r[name]
	return h, ok
}
