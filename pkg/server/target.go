package server

// Swap is the DOM mutation strategy applied when content reaches a
// target: replace inner content, replace the whole element, or insert
// relative to existing content.
type Swap string

const (
	// SwapRender replaces the target's inner content.
	SwapRender Swap = "inline"

	// SwapReplace replaces the whole target element.
	SwapReplace Swap = "outline"

	// SwapAppend inserts content after the target's existing children.
	SwapAppend Swap = "append"

	// SwapPrepend inserts content before the target's existing children.
	SwapPrepend Swap = "prepend"

	// SwapNone discards the response fragment client-side.
	SwapNone Swap = "none"
)

// Target is an addressable DOM insertion point. The HTML builder embeds
// its ID as an element id attribute; patches and action responses
// address the element through it.
//
// A target id is unique within its session's lifetime. Once the client
// reports it absent the id is invalidated and never returns to the
// live set; a logically new target in the same place is a fresh id.
type Target struct {
	ID string
}

// Render addresses the target for inner-content replacement.
func (t Target) Render() Ref { return Ref{ID: t.ID, Swap: SwapRender} }

// Replace addresses the whole target element.
func (t Target) Replace() Ref { return Ref{ID: t.ID, Swap: SwapReplace} }

// Append addresses the target for insertion after existing content.
func (t Target) Append() Ref { return Ref{ID: t.ID, Swap: SwapAppend} }

// Prepend addresses the target for insertion before existing content.
func (t Target) Prepend() Ref { return Ref{ID: t.ID, Swap: SwapPrepend} }

// Ref is a target id paired with a swap kind: a complete patch address.
type Ref struct {
	ID   string
	Swap Swap
}

// Patch is one server-to-client instruction to mutate a target's
// content. Ephemeral: constructed, delivered over the push channel in
// emission order, then discarded.
type Patch struct {
	TargetID string `json:"id"`
	Swap     Swap   `json:"swap"`
	HTML     string `json:"html"`
}

// Message kinds on the push channel wire (JSON text frames).
const (
	messagePatch  = "patch"
	messageReload = "reload"

	inboundInvalid   = "invalid"
	inboundReloadAck = "reload-ack"
)

// pushMessage is an outbound channel frame.
type pushMessage struct {
	Type    string  `json:"type"`
	Patches []Patch `json:"patches,omitempty"`
}

// inboundMessage is a control frame from the client: an invalid-target
// report (carries the target id) or a reload acknowledgment.
type inboundMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}
