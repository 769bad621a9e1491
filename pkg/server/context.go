package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Ctx is the request-scoped context handed to page and action handlers.
// It exposes the decoded body, target allocation, out-of-band patching,
// and outcome signalling for the immediate HTTP response.
type Ctx struct {
	Request *http.Request
	Writer  http.ResponseWriter

	sess       *Session
	dispatcher *Dispatcher
	route      string
	body       Body

	// Scripts appended to the immediate HTTP response, after the
	// handler's rendered output (toasts, inline patch echoes).
	appends []string
}

func newCtx(w http.ResponseWriter, r *http.Request, sess *Session, dispatcher *Dispatcher) *Ctx {
	return &Ctx{
		Request:    r,
		Writer:     w,
		sess:       sess,
		dispatcher: dispatcher,
	}
}

// SessionID returns the opaque session id for this request.
func (c *Ctx) SessionID() string {
	return c.sess.ID
}

// Session returns the underlying session.
func (c *Ctx) Session() *Session {
	return c.sess
}

// NewTarget allocates a fresh live target in this session.
func (c *Ctx) NewTarget() Target {
	return c.sess.NewTarget()
}

// Body returns the decoded form body of the current request. Empty for
// GET page renders.
func (c *Ctx) Body() Body {
	if c.body == nil {
		return Body{}
	}
	return c.body
}

// Patch emits an out-of-band update addressed to ref. The content is
// queued on the session's push channel (or buffered until one
// attaches), and an equivalent inline script is appended to the
// immediate HTTP response so content already in flight applies without
// waiting for the channel.
//
// The optional cancel callback fires exactly once when the client
// reports ref's target absent; pass the stop handle of any recurring
// task feeding this target, or it outlives the element it patches.
func (c *Ctx) Patch(ref Ref, html string, cancel ...func()) {
	c.appends = append(c.appends, patchScript(ref, html))

	var stop func()
	if len(cancel) > 0 {
		stop = cancel[0]
	}
	c.dispatcher.EmitTo(c.sess, ref, html, stop)
}

// Success appends a success toast to the immediate response.
func (c *Ctx) Success(message string) {
	c.appends = append(c.appends, toastScript(message, "green"))
}

// Error appends an error toast to the immediate response.
func (c *Ctx) Error(message string) {
	c.appends = append(c.appends, toastScript(message, "red"))
}

// Info appends an info toast to the immediate response.
func (c *Ctx) Info(message string) {
	c.appends = append(c.appends, toastScript(message, "blue"))
}

// Load returns an onclick attribute value that fetches href and swaps
// the whole document body, pushing history.
func (c *Ctx) Load(href string) string {
	return normalizeAttr(fmt.Sprintf("return __load(event, %q)", href))
}

// ReloadScript returns a script fragment that reloads the page.
func (c *Ctx) ReloadScript() string {
	return "<script>window.location.reload();</script>"
}

// RedirectScript returns a script fragment that navigates to href.
func (c *Ctx) RedirectScript(href string) string {
	return fmt.Sprintf("<script>window.location.href = %q;</script>", href)
}

// drainAppends returns and clears the appended scripts.
func (c *Ctx) drainAppends() string {
	if len(c.appends) == 0 {
		return ""
	}
	out := strings.Join(c.appends, "")
	c.appends = nil
	return out
}

// =============================================================================
// Action builders
// =============================================================================

// bodyItem is one client-side submission value: a dot-path name and its
// string value, sent back as a form field on dispatch.
type bodyItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CallBuilder binds a handler plus preset values to a swap destination,
// producing an onclick attribute value.
type CallBuilder struct {
	ctx     *Ctx
	handler ActionHandler
	values  []bodyItem
	submit  bool
}

// Call registers handler as a session-scoped action and starts a
// builder for a click-driven dispatch. The values maps are flattened
// into dot-path form fields included with the submission.
//
// The binding lives until the owning page re-renders; it may be
// dispatched any number of times before then.
func (c *Ctx) Call(handler ActionHandler, values ...map[string]any) *CallBuilder {
	return &CallBuilder{ctx: c, handler: handler, values: flattenValues(values)}
}

// Submit is Call for form submissions: the produced attribute value
// belongs on onsubmit, and the client serializes the form's fields into
// the body alongside the preset values.
func (c *Ctx) Submit(handler ActionHandler, values ...map[string]any) *CallBuilder {
	return &CallBuilder{ctx: c, handler: handler, values: flattenValues(values), submit: true}
}

// Render dispatches into the target's inner content.
func (b *CallBuilder) Render(target Target) string { return b.attr(SwapRender, target.ID) }

// Replace dispatches over the whole target element.
func (b *CallBuilder) Replace(target Target) string { return b.attr(SwapReplace, target.ID) }

// Append dispatches after the target's existing content.
func (b *CallBuilder) Append(target Target) string { return b.attr(SwapAppend, target.ID) }

// Prepend dispatches before the target's existing content.
func (b *CallBuilder) Prepend(target Target) string { return b.attr(SwapPrepend, target.ID) }

// Stop dispatches with the response fragment discarded client-side.
func (b *CallBuilder) Stop() string { return b.attr(SwapNone, "") }

func (b *CallBuilder) attr(swap Swap, targetID string) string {
	actionID := b.ctx.sess.registerAction(b.ctx.route, b.handler, swap, targetID)

	payload := "[]"
	if len(b.values) > 0 {
		if data, err := json.Marshal(b.values); err == nil {
			payload = string(data)
		}
	}

	call := "__post"
	if b.submit {
		call = "__submit"
	}

	return normalizeAttr(fmt.Sprintf(
		`%s(event, "%s", "%s", "/_psui/action/%s", %s)`,
		call, swap, targetID, actionID, payload,
	))
}

// flattenValues turns nested maps into dot-path bodyItems in a stable
// order.
func flattenValues(values []map[string]any) []bodyItem {
	var items []bodyItem
	for _, m := range values {
		items = appendFlattened(items, "", m)
	}
	return items
}

func appendFlattened(items []bodyItem, prefix string, m map[string]any) []bodyItem {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := m[k].(type) {
		case map[string]any:
			items = appendFlattened(items, name, v)
		case nil:
			items = append(items, bodyItem{Name: name, Value: ""})
		default:
			items = append(items, bodyItem{Name: name, Value: fmt.Sprint(v)})
		}
	}
	return items
}

// normalizeAttr makes a JS expression safe for embedding in a
// double-quoted HTML attribute.
func normalizeAttr(s string) string {
	return strings.ReplaceAll(s, `"`, "&quot;")
}

// patchScript renders the inline echo of an out-of-band patch: applied
// immediately when the fragment carrying it lands, and reporting the
// target invalid if the element is already gone.
func patchScript(ref Ref, html string) string {
	encoded, err := json.Marshal(html)
	if err != nil {
		encoded = []byte(`""`)
	}
	return fmt.Sprintf(
		`<script>(function(){if(window.__psui){window.__psui.apply({id:%q,swap:%q,html:%s});}})();</script>`,
		ref.ID, ref.Swap, encoded,
	)
}

// toastScript renders a transient message box in the response.
func toastScript(message, tone string) string {
	encoded, err := json.Marshal(message)
	if err != nil {
		encoded = []byte(`""`)
	}
	return fmt.Sprintf(
		`<script>(function(){if(window.__psui){window.__psui.toast(%s,%q);}})();</script>`,
		encoded, tone,
	)
}
