package main

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/psui-dev/psui/pkg/server"
)

// demoApp holds the per-session demo state. Sessions come and go, so
// state is keyed by session id and dropped when the owning session
// closes.
type demoApp struct {
	app *server.Server

	mu     sync.Mutex
	counts map[string]int
	todos  map[string][]string
}

func newDemoApp(app *server.Server) *demoApp {
	return &demoApp{
		app:    app,
		counts: make(map[string]int),
		todos:  make(map[string][]string),
	}
}

func (d *demoApp) register() error {
	d.app.Sessions().OnSessionClose(func(s *server.Session) {
		d.drop(s.ID)
	})

	for path, handler := range map[string]server.PageHandler{
		"/":      d.counterPage,
		"/clock": d.clockPage,
		"/todo":  d.todoPage,
	} {
		if err := d.app.Page(path, handler); err != nil {
			return err
		}
	}
	return nil
}

func (d *demoApp) count(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[sessionID]
}

func (d *demoApp) add(sessionID string, delta int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[sessionID] += delta
	return d.counts[sessionID]
}

func (d *demoApp) addTodo(sessionID, item string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.todos[sessionID] = append(d.todos[sessionID], item)
}

func (d *demoApp) drop(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.counts, sessionID)
	delete(d.todos, sessionID)
}

// =============================================================================
// Counter
// =============================================================================

func (d *demoApp) counterPage(ctx *server.Ctx) string {
	target := ctx.NewTarget()

	var frag func(c *server.Ctx) string
	frag = func(c *server.Ctx) string {
		inc := c.Call(func(ac *server.Ctx) string {
			d.add(ac.SessionID(), 1)
			return frag(ac)
		}).Render(target)
		dec := c.Call(func(ac *server.Ctx) string {
			d.add(ac.SessionID(), -1)
			return frag(ac)
		}).Render(target)

		return fmt.Sprintf(
			`<h1>Count: %d</h1><button onclick="%s">+1</button> <button onclick="%s">-1</button>`,
			d.count(c.SessionID()), inc, dec)
	}

	return page("Counter", ctx, fmt.Sprintf(`<div id="%s">%s</div>`, target.ID, frag(ctx)))
}

// =============================================================================
// Clock
// =============================================================================

func (d *demoApp) clockPage(ctx *server.Ctx) string {
	target := ctx.NewTarget()
	sessionID := ctx.SessionID()
	dispatcher := d.app.Dispatcher()

	var stop func()
	stop = server.Interval(time.Second, func() {
		dispatcher.Emit(sessionID, target.Render(), clockFragment(time.Now()), stop)
	})

	ctx.Patch(target.Render(), clockFragment(time.Now()), stop)

	return page("Clock", ctx, fmt.Sprintf(`<div id="%s">starting…</div>`, target.ID))
}

func clockFragment(now time.Time) string {
	return fmt.Sprintf(`<h1>%s</h1>`, now.Format("15:04:05"))
}

// =============================================================================
// Todo
// =============================================================================

func (d *demoApp) todoPage(ctx *server.Ctx) string {
	list := ctx.NewTarget()

	submit := ctx.Submit(func(ac *server.Ctx) string {
		item := strings.TrimSpace(ac.Body().String("todo.text"))
		if item == "" {
			ac.Error("Nothing to add")
			return ""
		}
		d.addTodo(ac.SessionID(), item)
		ac.Success("Added")
		return fmt.Sprintf(`<li>%s</li>`, html.EscapeString(item))
	}).Append(list)

	var items strings.Builder
	for _, item := range d.todosFor(ctx.SessionID()) {
		fmt.Fprintf(&items, `<li>%s</li>`, html.EscapeString(item))
	}

	body := fmt.Sprintf(`<h1>Todo</h1>
<form onsubmit="%s">
  <input type="text" name="todo.text" placeholder="What needs doing?">
  <button type="submit">Add</button>
</form>
<ul id="%s">%s</ul>`, submit, list.ID, items.String())

	return page("Todo", ctx, body)
}

func (d *demoApp) todosFor(sessionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.todos[sessionID]...)
}

// =============================================================================
// Layout
// =============================================================================

func page(title string, ctx *server.Ctx, body string) string {
	nav := fmt.Sprintf(
		`<nav><a href="/" onclick="%s">Counter</a> | <a href="/clock" onclick="%s">Clock</a> | <a href="/todo" onclick="%s">Todo</a></nav>`,
		ctx.Load("/"), ctx.Load("/clock"), ctx.Load("/todo"))

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s · psui demo</title>
%s
</head>
<body>
%s
%s
</body>
</html>`, title, server.HeadSnippet(), nav, body)
}
