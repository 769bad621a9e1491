package server

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// PageHandler renders a full HTML document for a registered path.
type PageHandler func(*Ctx) string

// ActionHandler renders the HTML fragment returned from an action
// dispatch. The swap kind recorded at registration tells the client how
// to apply it.
type ActionHandler func(*Ctx) string

type routeKey struct {
	method string
	path   string
}

// Router maps method+path to page handlers and dispatches session-scoped
// action ids. Handler bindings are stored as data (id to binding
// record); dispatch never relies on runtime introspection.
type Router struct {
	mu    sync.RWMutex
	pages map[routeKey]PageHandler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{pages: make(map[routeKey]PageHandler)}
}

// normalizePath lowercases a path and guarantees a leading slash.
func normalizePath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.ToLower(p)
}

func normalizeMethod(method string) string {
	if strings.EqualFold(method, "POST") {
		return "POST"
	}
	return "GET"
}

// RegisterPage binds a method and path to a page handler. First
// registration wins; a duplicate registration fails with
// ErrDuplicateRoute.
func (rt *Router) RegisterPage(method, path string, handler PageHandler) error {
	key := routeKey{method: normalizeMethod(method), path: normalizePath(path)}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.pages[key]; exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateRoute, key.method, key.path)
	}
	rt.pages[key] = handler
	return nil
}

// Page resolves a page handler, or nil if none is registered.
func (rt *Router) Page(method, path string) PageHandler {
	key := routeKey{method: normalizeMethod(method), path: normalizePath(path)}

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.pages[key]
}

// Routes returns the registered method+path pairs, for mounting onto an
// HTTP mux.
func (rt *Router) Routes() [][2]string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	routes := make([][2]string, 0, len(rt.pages))
	for key := range rt.pages {
		routes = append(routes, [2]string{key.method, key.path})
	}
	return routes
}

// DispatchResult carries an action's rendered fragment plus the swap
// metadata the client applies it with.
type DispatchResult struct {
	HTML     string
	Swap     Swap
	TargetID string
}

// Dispatch resolves an action id against the session's action table,
// invokes its handler with the request-scoped context, and returns the
// rendered fragment. An unknown or superseded id fails with
// ErrActionNotFound; a handler panic is captured as a HandlerError and
// never crashes the session.
func (rt *Router) Dispatch(ctx *Ctx, actionID string) (res DispatchResult, err error) {
	binding, err := ctx.sess.lookupAction(actionID)
	if err != nil {
		return DispatchResult{}, err
	}

	ctx.route = binding.route

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = NewHandlerError(ctx.sess.ID, binding.route, r, stack)
		}
	}()

	html := binding.handler(ctx)

	return DispatchResult{
		HTML:     html,
		Swap:     binding.swap,
		TargetID: binding.targetID,
	}, nil
}

// RenderPage invokes a page handler with panic capture. Rendering a
// page first clears the session's action bindings for that route, so
// ids embedded in superseded HTML stop resolving.
func (rt *Router) RenderPage(ctx *Ctx, route string, handler PageHandler) (html string, err error) {
	ctx.route = normalizePath(route)
	ctx.sess.clearRouteActions(ctx.route)

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = NewHandlerError(ctx.sess.ID, ctx.route, r, stack)
		}
	}()

	return handler(ctx), nil
}
