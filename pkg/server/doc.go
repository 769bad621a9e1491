// Package server implements the psui partial-update engine: session
// tracking keyed by cookie, per-session DOM target registries, action
// routing for form/click submissions, and ordered patch delivery to the
// browser over a persistent WebSocket channel.
//
// The engine coordinates three independent timelines - the HTTP
// request/response cycle, the push channel, and the client-side DOM
// lifecycle - using messages only; the server never assumes ground
// truth about DOM state beyond what the client reports.
package server
