package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatbridge/internal/broadcast"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/roster"
	"chatbridge/internal/session"
	"chatbridge/internal/storage"
	logx "chatbridge/pkg/logx"
)

type fakeSession struct {
	mu      sync.Mutex
	sendErr error
	sent    []string
	resets  int
	events  chan broadcast.Event
	unsubs  int
	panicky bool
}

func (f *fakeSession) SendMessage(_ context.Context, dest string, msg session.Message) (session.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return session.Receipt{}, f.sendErr
	}
	f.sent = append(f.sent, dest+":"+msg.Text)
	return session.Receipt{Destination: dest, Delivered: true, SentAt: time.Now()}, nil
}

func (f *fakeSession) ResetSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicky {
		panic("boom")
	}
	f.resets++
	return nil
}

func (f *fakeSession) Snapshot() session.Snapshot {
	return session.Snapshot{Phase: session.PhaseReady, Connected: true}
}

func (f *fakeSession) Observe(context.Context, int) (<-chan broadcast.Event, func(), error) {
	return f.events, func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}, nil
}

type fakeDispatch struct {
	mu   sync.Mutex
	jobs map[string]dispatch.Job
}

func (f *fakeDispatch) Schedule(_ context.Context, req dispatch.Request) (dispatch.Job, error) {
	if req.Delay < 0 {
		return dispatch.Job{}, fmt.Errorf("%w: delay must not be negative", dispatch.ErrInvalidRequest)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j := dispatch.Job{ID: fmt.Sprintf("job-%d", len(f.jobs)+1), Destination: req.Destination, RunAt: time.Now().Add(req.Delay), State: dispatch.JobPending}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeDispatch) Job(id string) (dispatch.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeDispatch) Jobs() []dispatch.Job { return nil }

func (f *fakeDispatch) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.State != dispatch.JobPending {
		return false
	}
	j.State = dispatch.JobCancelled
	f.jobs[id] = j
	return true
}

func (f *fakeDispatch) Sweep(context.Context) (dispatch.SweepResult, error) {
	return dispatch.SweepResult{}, fmt.Errorf("sweep: %w", session.ErrNotConnected)
}

type fixture struct {
	srv  *Server
	sess *fakeSession
	disp *fakeDispatch
	ts   *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ros := roster.New(st,
		roster.WithClock(func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }),
		roster.WithLocation(time.UTC),
	)

	f := &fixture{
		sess: &fakeSession{events: make(chan broadcast.Event, 4)},
		disp: &fakeDispatch{jobs: map[string]dispatch.Job{}},
	}
	f.srv, err = New(Config{Token: token}, Deps{Session: f.sess, Dispatch: f.disp, Roster: ros}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode, out
}

func TestRootAndHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, err := f.ts.Client().Get(f.ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("root: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	code, body := f.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || body["session"] != string(session.PhaseReady) {
		t.Fatalf("healthz: %d %v", code, body)
	}

	code, _ = f.do(t, http.MethodGet, "/nope", "")
	if code != http.StatusNotFound {
		t.Fatalf("unknown route: %d", code)
	}
}

func TestSendNowErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		body    string
		sendErr error
		want    int
	}{
		{"ok", `{"destination":"Team","message":"hi"}`, nil, http.StatusOK},
		{"missing destination", `{"message":"hi"}`, nil, http.StatusBadRequest},
		{"missing message", `{"destination":"Team"}`, nil, http.StatusBadRequest},
		{"unknown field", `{"destination":"Team","message":"hi","x":1}`, nil, http.StatusBadRequest},
		{"empty body", ``, nil, http.StatusBadRequest},
		{"not connected", `{"destination":"Team","message":"hi"}`, session.ErrNotConnected, http.StatusServiceUnavailable},
		{"no destination", `{"destination":"Team","message":"hi"}`, fmt.Errorf("%w: Team", session.ErrDestinationNotFound), http.StatusNotFound},
		{"bad attachment", `{"destination":"Team","message":"hi","imageUrl":"ftp://x"}`, session.ErrInvalidAttachment, http.StatusUnprocessableEntity},
		{"other", `{"destination":"Team","message":"hi"}`, errors.New("socket reset"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "")
			f.sess.mu.Lock()
			f.sess.sendErr = c.sendErr
			f.sess.mu.Unlock()
			code, body := f.do(t, http.MethodPost, "/api/send-now", c.body, "Content-Type", "application/json")
			if code != c.want {
				t.Fatalf("status=%d want %d body=%v", code, c.want, body)
			}
			if c.want == http.StatusOK {
				if body["success"] != true || body["destination"] != "Team" {
					t.Fatalf("body=%v", body)
				}
				return
			}
			if body["success"] != false || body["error"] == "" {
				t.Fatalf("error body=%v", body)
			}
		})
	}
}

func TestScheduleAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, _ := f.do(t, http.MethodPost, "/api/schedule", `{"destination":"Team","message":"hi"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("missing delay: %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/schedule", `{"destination":"Team","message":"hi","delayMinutes":-1}`)
	if code != http.StatusBadRequest {
		t.Fatalf("negative delay: %d", code)
	}

	code, body := f.do(t, http.MethodPost, "/api/schedule", `{"destination":"Team","message":"hi","delayMinutes":1.5}`)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("schedule: %d %v", code, body)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "1.5 minute(s)") {
		t.Fatalf("message=%q", msg)
	}
	id, _ := body["id"].(string)

	code, _ = f.do(t, http.MethodGet, "/api/schedule/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("get job: %d", code)
	}
	code, _ = f.do(t, http.MethodDelete, "/api/schedule/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("cancel: %d", code)
	}
	code, _ = f.do(t, http.MethodDelete, "/api/schedule/"+id, "")
	if code != http.StatusConflict {
		t.Fatalf("second cancel: %d", code)
	}
	code, _ = f.do(t, http.MethodDelete, "/api/schedule/missing", "")
	if code != http.StatusNotFound {
		t.Fatalf("cancel missing: %d", code)
	}
}

func TestResetSessionAndPanicRecovery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/api/reset-session", "")
	f.sess.mu.Lock()
	resets := f.sess.resets
	f.sess.panicky = true
	f.sess.mu.Unlock()
	if code != http.StatusOK || body["success"] != true || resets != 1 {
		t.Fatalf("reset: %d %v resets=%d", code, body, resets)
	}

	code, body = f.do(t, http.MethodPost, "/api/reset-session", "")
	if code != http.StatusInternalServerError || body["success"] != false {
		t.Fatalf("panic: %d %v", code, body)
	}
}

func TestSweepNotConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodPost, "/api/birthday-sweep", "")
	if code != http.StatusServiceUnavailable || body["success"] != false {
		t.Fatalf("sweep: %d %v", code, body)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")

	code, _ := f.do(t, http.MethodGet, "/api/session", "")
	if code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	code, _ = f.do(t, http.MethodGet, "/api/session", "", "Authorization", "Bearer wrong")
	if code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", code)
	}
	code, _ = f.do(t, http.MethodGet, "/api/session", "", "Authorization", "Bearer s3cret")
	if code != http.StatusOK {
		t.Fatalf("bearer: %d", code)
	}
	code, _ = f.do(t, http.MethodGet, "/employee?token=s3cret", "")
	if code != http.StatusOK {
		t.Fatalf("query token: %d", code)
	}
	code, _ = f.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK {
		t.Fatalf("healthz must stay open: %d", code)
	}

	f.srv.SetToken("")
	code, _ = f.do(t, http.MethodGet, "/api/session", "")
	if code != http.StatusOK {
		t.Fatalf("token cleared: %d", code)
	}
}

func TestEmployeeAndScheduleRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/employee", `{"firstName":"Ann","dateOfBirth":"1990-06-03","phoneNumber":"555"}`)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	id := body["data"].(map[string]any)["id"].(string)

	code, _ = f.do(t, http.MethodPost, "/employee", `{"firstName":"Bob","dateOfBirth":"1990-01-01","phoneNumber":"555"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("duplicate phone: %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/employee/upcoming-birthdays?days=5", "")
	if code != http.StatusOK || body["total"] != float64(1) || body["upcomingDays"] != float64(5) {
		t.Fatalf("upcoming: %d %v", code, body)
	}
	code, _ = f.do(t, http.MethodGet, "/employee/upcoming-birthdays?days=abc", "")
	if code != http.StatusBadRequest {
		t.Fatalf("bad days: %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/employee", "")
	if code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("list: %d %v", code, body)
	}

	code, body = f.do(t, http.MethodPost, "/birthday-schedule/"+id, "")
	if code != http.StatusCreated {
		t.Fatalf("create schedule: %d %v", code, body)
	}
	sc := body["data"].(map[string]any)
	if sc["scheduledDate"] != "2026-06-03" || !strings.Contains(sc["message"].(string), "Ann") {
		t.Fatalf("schedule: %v", sc)
	}
	code, _ = f.do(t, http.MethodPost, "/birthday-schedule/"+id, `{"message":"again"}`)
	if code != http.StatusConflict {
		t.Fatalf("duplicate schedule: %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/birthday-schedule?status=pending", "")
	if code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("list schedules: %d %v", code, body)
	}
	code, _ = f.do(t, http.MethodGet, "/birthday-schedule?status=weird", "")
	if code != http.StatusBadRequest {
		t.Fatalf("bad status: %d", code)
	}

	code, _ = f.do(t, http.MethodDelete, "/employee/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	code, _ = f.do(t, http.MethodGet, "/employee/"+id, "")
	if code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.do(t, http.MethodGet, "/healthz", "")

	resp, err := f.ts.Client().Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "chatbridge_http_requests_total") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func TestObserverStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "tok")
	f.sess.events <- broadcast.Event{Name: broadcast.EventStatus, Data: session.StatusData{Connected: false}}
	f.sess.events <- broadcast.Event{Name: broadcast.EventQR, Data: session.QRData{Challenge: "abc"}}

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=tok", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var got []string
	for i := 0; i < 2; i++ {
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		got = append(got, msg.Event+" "+string(msg.Data))
	}
	if got[0] != `status {"connected":false,"user":null}` || got[1] != `qr {"challenge":"abc"}` {
		t.Fatalf("events: %q", got)
	}

	_ = conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for {
		f.sess.mu.Lock()
		n := f.sess.unsubs
		f.sess.mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("observer was not unsubscribed after the peer left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
