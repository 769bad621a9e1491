package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(DefaultServerConfig())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Sessions().Shutdown()
	})
	return s, ts
}

func sessionCookieFrom(t *testing.T, resp *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatal("response did not set a session cookie")
	return nil
}

func TestPageSetsSessionCookie(t *testing.T) {
	s, ts := newTestServer(t)
	if err := s.Page("/", func(*Ctx) string { return "<html>home</html>" }); err != nil {
		t.Fatalf("Page() error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	if !cookie.HttpOnly || cookie.Path != "/" {
		t.Errorf("cookie = %+v, want HttpOnly with Path=/", cookie)
	}
	if s.Sessions().Get(cookie.Value) == nil {
		t.Error("cookie value should name a tracked session")
	}
}

func TestPageCookieStableAcrossRequests(t *testing.T) {
	s, ts := newTestServer(t)
	s.Page("/", func(*Ctx) string { return "<html>home</html>" })

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)

	req, _ := http.NewRequest("GET", ts.URL+"/", nil)
	req.AddCookie(cookie)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second GET error = %v", err)
	}
	resp2.Body.Close()

	for _, c := range resp2.Cookies() {
		if c.Name == s.Config().CookieName {
			t.Error("known session should not be re-issued a cookie")
		}
	}
	if s.Sessions().Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Sessions().Count())
	}
}

func TestActionDispatchEndToEnd(t *testing.T) {
	s, ts := newTestServer(t)
	s.Page("/", func(c *Ctx) string {
		target := c.NewTarget()
		attr := c.Call(func(ac *Ctx) string {
			return "<p>hi " + ac.Body().String("User.Name") + "</p>"
		}).Render(target)
		return fmt.Sprintf(`<html><div id="%s"></div><button onclick="%s"></button></html>`, target.ID, attr)
	})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	actionID := actionIDFromAttr(t, string(page))

	form := url.Values{"User.Name": {"Ada"}}
	req, _ := http.NewRequest("POST", ts.URL+"/_psui/action/"+actionID,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)

	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST action error = %v", err)
	}
	fragment, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()

	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
	if got := string(fragment); got != "<p>hi Ada</p>" {
		t.Errorf("fragment = %q, want %q", got, "<p>hi Ada</p>")
	}
	if got := resp2.Header.Get("X-Psui-Swap"); got != "inline" {
		t.Errorf("X-Psui-Swap = %q, want inline", got)
	}
	if resp2.Header.Get("X-Psui-Target") == "" {
		t.Error("X-Psui-Target should carry the target id")
	}
}

func TestActionUnknownID(t *testing.T) {
	s, ts := newTestServer(t)
	s.Page("/", func(*Ctx) string { return "<html></html>" })

	resp, err := http.Post(ts.URL+"/_psui/action/no-such-id", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST action error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Psui-Swap"); got != "none" {
		t.Errorf("X-Psui-Swap = %q, want none", got)
	}
}

func TestActionStaleAfterRerender(t *testing.T) {
	s, ts := newTestServer(t)
	s.Page("/", func(c *Ctx) string {
		attr := c.Call(func(*Ctx) string { return "ok" }).Stop()
		return "<html>" + attr + "</html>"
	})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	staleID := actionIDFromAttr(t, string(page))

	// Re-render the page; the first render's ids are superseded.
	req, _ := http.NewRequest("GET", ts.URL+"/", nil)
	req.AddCookie(cookie)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second GET error = %v", err)
	}
	io.Copy(io.Discard, resp2.Body)
	resp2.Body.Close()

	areq, _ := http.NewRequest("POST", ts.URL+"/_psui/action/"+staleID, nil)
	areq.AddCookie(cookie)
	resp3, err := http.DefaultClient.Do(areq)
	if err != nil {
		t.Fatalf("POST stale action error = %v", err)
	}
	defer resp3.Body.Close()

	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("stale action status = %d, want 404", resp3.StatusCode)
	}
}

func TestActionMalformedBody(t *testing.T) {
	s, ts := newTestServer(t)
	var actionID string
	s.Page("/", func(c *Ctx) string {
		attr := c.Call(func(*Ctx) string { return "ok" }).Stop()
		actionID = actionIDFromAttr(t, attr)
		return "<html></html>"
	})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)

	form := url.Values{"User": {"x"}, "User.Name": {"y"}}
	req, _ := http.NewRequest("POST", ts.URL+"/_psui/action/"+actionID,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)

	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST action error = %v", err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp2.StatusCode)
	}
}

func TestActionHandlerPanicIsolated(t *testing.T) {
	s, ts := newTestServer(t)
	var actionID string
	s.Page("/", func(c *Ctx) string {
		attr := c.Call(func(*Ctx) string { panic("handler bug") }).Stop()
		actionID = actionIDFromAttr(t, attr)
		return "<html></html>"
	})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)

	req, _ := http.NewRequest("POST", ts.URL+"/_psui/action/"+actionID, nil)
	req.AddCookie(cookie)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST action error = %v", err)
	}
	resp2.Body.Close()

	if resp2.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp2.StatusCode)
	}

	// The session survives its handler's panic.
	sess := s.Sessions().Get(cookie.Value)
	if sess == nil || sess.IsClosed() {
		t.Error("session should survive a handler panic")
	}
}

func TestInvalidEndpointFiresCancel(t *testing.T) {
	s, ts := newTestServer(t)
	s.Page("/", func(*Ctx) string { return "<html></html>" })

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)

	sess := s.Sessions().Get(cookie.Value)
	target := sess.NewTarget()
	var calls atomic.Int32
	sess.setTargetCancel(target.ID, func() { calls.Add(1) })

	payload := fmt.Sprintf(`{"type":"invalid","id":%q}`, target.ID)
	req, _ := http.NewRequest("POST", ts.URL+"/_psui/invalid", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)

	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST invalid error = %v", err)
	}
	resp2.Body.Close()

	if resp2.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp2.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("cancel ran %d times, want 1", calls.Load())
	}
	if sess.TargetLive(target.ID) {
		t.Error("reported target should leave the live set")
	}
}

func TestInvalidEndpointBadPayload(t *testing.T) {
	s, ts := newTestServer(t)
	_ = s

	resp, err := http.Post(ts.URL+"/_psui/invalid", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST invalid error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPatchPollDrainsInOrder(t *testing.T) {
	s, ts := newTestServer(t)
	s.Page("/", func(*Ctx) string { return "<html></html>" })

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)

	sess := s.Sessions().Get(cookie.Value)
	for i := 0; i < 3; i++ {
		sess.SendPatch(Patch{TargetID: "t1", Swap: SwapAppend, HTML: fmt.Sprintf("p%d", i)})
	}

	req, _ := http.NewRequest("GET", ts.URL+"/_psui/patch", nil)
	req.AddCookie(cookie)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET patch error = %v", err)
	}
	defer resp2.Body.Close()

	var payload struct {
		Patches []Patch `json:"patches"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&payload); err != nil {
		t.Fatalf("decode poll payload: %v", err)
	}
	if len(payload.Patches) != 3 {
		t.Fatalf("patches = %d, want 3", len(payload.Patches))
	}
	for i, p := range payload.Patches {
		if want := fmt.Sprintf("p%d", i); p.HTML != want {
			t.Errorf("patch %d HTML = %q, want %q", i, p.HTML, want)
		}
	}
}

func TestClientScriptServed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/_psui/client.js")
	if err != nil {
		t.Fatalf("GET client.js error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/javascript") {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, want := range []string{"__post", "__submit", "__load", "notifyInvalid"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("client script missing %s", want)
		}
	}
}

func TestDuplicatePageRegistration(t *testing.T) {
	s, _ := newTestServer(t)
	handler := func(*Ctx) string { return "" }

	if err := s.Page("/dup", handler); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := s.Page("/dup", handler); err == nil {
		t.Error("duplicate registration should fail")
	}
}

// ============================================================================
// WebSocket push channel
// ============================================================================

func dialWS(t *testing.T, ts *httptest.Server, cookie *http.Cookie) (*websocket.Conn, *http.Response) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/_psui/ws"
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.Name+"="+cookie.Value)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	return conn, resp
}

func readPushMessage(t *testing.T, conn *websocket.Conn) pushMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read push message: %v", err)
	}
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode push message: %v", err)
	}
	return msg
}

func TestWebSocketSetsCookieOnUpgrade(t *testing.T) {
	s, ts := newTestServer(t)

	conn, resp := dialWS(t, ts, nil)
	defer conn.Close()

	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	if s.Sessions().Get(cookie.Value) == nil {
		t.Error("upgrade-issued cookie should name a tracked session")
	}
}

func TestWebSocketAttachFlushesBacklogInOrder(t *testing.T) {
	s, ts := newTestServer(t)
	s.Page("/", func(*Ctx) string { return "<html></html>" })

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	resp.Body.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	sess := s.Sessions().Get(cookie.Value)

	for i := 0; i < 5; i++ {
		sess.SendPatch(Patch{TargetID: "t1", Swap: SwapAppend, HTML: fmt.Sprintf("b%d", i)})
	}

	conn, _ := dialWS(t, ts, cookie)
	defer conn.Close()

	msg := readPushMessage(t, conn)
	if msg.Type != messagePatch {
		t.Fatalf("message type = %q, want patch", msg.Type)
	}
	if len(msg.Patches) != 5 {
		t.Fatalf("backlog frame = %d patches, want 5", len(msg.Patches))
	}
	for i, p := range msg.Patches {
		if want := fmt.Sprintf("b%d", i); p.HTML != want {
			t.Errorf("patch %d = %q, want %q", i, p.HTML, want)
		}
	}

	// Live sends follow the backlog in order.
	d := NewDispatcher(s.Sessions())
	for i := 0; i < 3; i++ {
		d.Emit(sess.ID, Ref{ID: "t1", Swap: SwapAppend}, fmt.Sprintf("l%d", i))
	}
	for i := 0; i < 3; i++ {
		live := readPushMessage(t, conn)
		if len(live.Patches) != 1 || live.Patches[0].HTML != fmt.Sprintf("l%d", i) {
			t.Fatalf("live patch %d = %+v", i, live.Patches)
		}
	}
}

func TestWebSocketFIFO(t *testing.T) {
	s, ts := newTestServer(t)

	conn, resp := dialWS(t, ts, nil)
	defer conn.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	sess := s.Sessions().Get(cookie.Value)

	const n = 50
	for i := 0; i < n; i++ {
		sess.SendPatch(Patch{TargetID: "t1", Swap: SwapAppend, HTML: fmt.Sprintf("%03d", i)})
	}

	got := 0
	for got < n {
		msg := readPushMessage(t, conn)
		for _, p := range msg.Patches {
			if want := fmt.Sprintf("%03d", got); p.HTML != want {
				t.Fatalf("patch %d = %q, want %q", got, p.HTML, want)
			}
			got++
		}
	}
}

func TestWebSocketReplacesPriorChannel(t *testing.T) {
	s, ts := newTestServer(t)

	conn1, resp := dialWS(t, ts, nil)
	defer conn1.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	sess := s.Sessions().Get(cookie.Value)

	conn2, _ := dialWS(t, ts, cookie)
	defer conn2.Close()

	// The replacing attach closes the first connection; once that close
	// is observed, the channel slot already holds the second one.
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Fatal("first connection should be closed after replacement")
	}

	sess.SendPatch(Patch{TargetID: "t1", Swap: SwapRender, HTML: "x"})

	msg := readPushMessage(t, conn2)
	if msg.Type != messagePatch || len(msg.Patches) != 1 || msg.Patches[0].HTML != "x" {
		t.Fatalf("second connection got %+v, want the patch", msg)
	}
}

func TestWebSocketInvalidReportFiresCancel(t *testing.T) {
	s, ts := newTestServer(t)

	conn, resp := dialWS(t, ts, nil)
	defer conn.Close()
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	sess := s.Sessions().Get(cookie.Value)

	target := sess.NewTarget()
	var calls atomic.Int32
	sess.setTargetCancel(target.ID, func() { calls.Add(1) })

	report := fmt.Sprintf(`{"type":"invalid","id":%q}`, target.ID)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(report)); err != nil {
		t.Fatalf("write invalid report: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Errorf("cancel ran %d times, want 1", calls.Load())
	}
}

func TestWebSocketDisconnectKeepsTargets(t *testing.T) {
	s, ts := newTestServer(t)

	conn, resp := dialWS(t, ts, nil)
	cookie := sessionCookieFrom(t, resp, s.Config().CookieName)
	sess := s.Sessions().Get(cookie.Value)

	target := sess.NewTarget()
	var calls atomic.Int32
	sess.setTargetCancel(target.ID, func() { calls.Add(1) })

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for sess.HasChannel() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if calls.Load() != 0 {
		t.Error("transport drop must not fire target cancels")
	}
	if !sess.TargetLive(target.ID) {
		t.Error("transport drop must not invalidate targets")
	}

	// Patches emitted while detached buffer for the next channel.
	sess.SendPatch(Patch{TargetID: target.ID, Swap: SwapRender, HTML: "queued"})

	conn2, _ := dialWS(t, ts, cookie)
	defer conn2.Close()
	msg := readPushMessage(t, conn2)
	if len(msg.Patches) != 1 || msg.Patches[0].HTML != "queued" {
		t.Fatalf("reattach backlog = %+v, want the queued patch", msg.Patches)
	}
}

func TestBroadcastReloadReachesAttachedDevSessions(t *testing.T) {
	config := DefaultServerConfig().WithDevMode(true)
	s := New(config)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Sessions().Shutdown()
	})

	conn, _ := dialWS(t, ts, nil)
	defer conn.Close()

	// The channel attach races the broadcast; retry briefly.
	deadline := time.Now().Add(2 * time.Second)
	sent := 0
	for sent == 0 && time.Now().Before(deadline) {
		sent = s.Sessions().BroadcastReload()
		time.Sleep(10 * time.Millisecond)
	}
	if sent != 1 {
		t.Fatalf("BroadcastReload() = %d, want 1", sent)
	}

	msg := readPushMessage(t, conn)
	if msg.Type != messageReload {
		t.Errorf("message type = %q, want reload", msg.Type)
	}
}
