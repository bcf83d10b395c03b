package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/session"
)

const upstreamSession = "selenium-abc-123"

// fakeSelenium is the Selenium server running inside a clone.
type fakeSelenium struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	failNext bool
}

func (f *fakeSelenium) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.bodies = append(f.bodies, string(body))
		fail := f.failNext
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"status":13,"value":{"message":"browser crashed"}}`)
			return
		}

		switch {
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/session"):
			fmt.Fprintf(w, `{"sessionId":%q,"status":0,"value":{}}`, upstreamSession)
		default:
			fmt.Fprintf(w, `{"sessionId":%q,"status":0,"value":null}`, upstreamSession)
		}
	})
}

func (f *fakeSelenium) sawPath(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if strings.Contains(req, path) {
			return true
		}
	}
	return false
}

func (f *fakeSelenium) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return ""
	}
	return f.bodies[len(f.bodies)-1]
}

type stubAllocator struct {
	mu        sync.Mutex
	ip        string
	addErr    error
	destroyed int
}

func (a *stubAllocator) HasPlatform(string) bool                { return true }
func (a *stubAllocator) Has(string) bool                        { return false }
func (a *stubAllocator) Get(context.Context, string) *domain.VM { return nil }

func (a *stubAllocator) Add(_ context.Context, platform string) (*domain.VM, error) {
	if a.addErr != nil {
		return nil, a.addErr
	}
	vm := domain.NewVM(platform, "fake", "")
	vm.SetAddress(a.ip, "52:54:00:00:00:01")
	vm.SetReady(true)
	return vm, nil
}

func (a *stubAllocator) Destroy(context.Context, *domain.VM) {
	a.mu.Lock()
	a.destroyed++
	a.mu.Unlock()
}

type stubStorage struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]domain.SessionRecord
}

func newStubStorage() *stubStorage {
	return &stubStorage{sessions: make(map[int64]domain.SessionRecord)}
}

func (s *stubStorage) CreateSession(_ context.Context, rec *domain.SessionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.sessions[rec.ID] = *rec
	return rec.ID, nil
}

func (s *stubStorage) UpdateSession(_ context.Context, rec *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = *rec
	return nil
}

func (s *stubStorage) PurgeStoredSessions(context.Context, int64, int) ([]int64, error) {
	return nil, nil
}

func (s *stubStorage) CreateLogStep(_ context.Context, step *domain.LogStep) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	step.ID = s.nextID
	return step.ID, nil
}

func (s *stubStorage) CreateSubStep(_ context.Context, sub *domain.SubStep) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub.ID = s.nextID
	return sub.ID, nil
}

func (s *stubStorage) UpdateLogStepScreenshot(context.Context, int64, string) error { return nil }

func (s *stubStorage) record(id int64) domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// newTestProxy wires a proxy whose clones all answer through the given
// fake Selenium server.
func newTestProxy(t *testing.T, selenium *fakeSelenium, alloc *stubAllocator) (*Proxy, *session.Manager, *stubStorage) {
	t.Helper()

	upstream := httptest.NewServer(selenium.handler())
	t.Cleanup(upstream.Close)

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(upstream.URL, "http://"))
	port, _ := strconv.Atoi(portStr)
	alloc.ip = host

	st := newStubStorage()
	rec := recorder.New(st, t.TempDir())
	mgr := session.NewManager(alloc, st, rec, session.Config{
		SessionTimeout: time.Minute,
		GetVMTimeout:   100 * time.Millisecond,
	})

	p := New(mgr, rec, nil, Config{SeleniumPort: port, AgentPort: port, ThreadPoolMax: 10})
	return p, mgr, st
}

func createSessionID(t *testing.T, p *Proxy) int64 {
	t.Helper()
	body := `{"desiredCapabilities":{"platform":"ubuntu","name":"test"}}`
	req := httptest.NewRequest("POST", "/wd/hub/session", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("session creation: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	id, err := strconv.ParseInt(resp.SessionID, 10, 64)
	if err != nil {
		t.Fatalf("client got a non-numeric session id %q", resp.SessionID)
	}
	return id
}

func TestSessionCreateRewritesID(t *testing.T) {
	selenium := &fakeSelenium{}
	p, mgr, _ := newTestProxy(t, selenium, &stubAllocator{})

	id := createSessionID(t, p)

	s, ok := mgr.Get(id)
	if !ok {
		t.Fatal("session not registered")
	}
	if s.SeleniumSession() != upstreamSession {
		t.Fatalf("upstream id not captured: %q", s.SeleniumSession())
	}
	if s.Status() != domain.StatusRunning {
		t.Fatalf("expected running, got %s", s.Status())
	}
}

func TestForwardSubstitutesSessionIDs(t *testing.T) {
	selenium := &fakeSelenium{}
	p, _, _ := newTestProxy(t, selenium, &stubAllocator{})

	id := createSessionID(t, p)

	req := httptest.NewRequest("POST", fmt.Sprintf("/wd/hub/session/%d/url", id),
		strings.NewReader(fmt.Sprintf(`{"sessionId":"%d","url":"http://example.com"}`, id)))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("forward: status %d", w.Code)
	}
	if !selenium.sawPath(fmt.Sprintf("/wd/hub/session/%s/url", upstreamSession)) {
		t.Fatalf("upstream did not see its own id: %v", selenium.requests)
	}
	if body := selenium.lastBody(); !strings.Contains(body, fmt.Sprintf(`"sessionId":%q`, upstreamSession)) {
		t.Fatalf("request body id not rewritten, upstream saw: %s", body)
	}
	if !strings.Contains(w.Body.String(), fmt.Sprintf(`"sessionId":"%d"`, id)) {
		t.Fatalf("response id not rewritten: %s", w.Body.String())
	}
	if cl := w.Header().Get("Content-Length"); cl != strconv.Itoa(w.Body.Len()) {
		t.Fatalf("Content-Length %s does not match body %d", cl, w.Body.Len())
	}
}

func TestSessionDeleteClosesSession(t *testing.T) {
	selenium := &fakeSelenium{}
	alloc := &stubAllocator{}
	p, mgr, st := newTestProxy(t, selenium, alloc)

	id := createSessionID(t, p)

	req := httptest.NewRequest("DELETE", fmt.Sprintf("/wd/hub/session/%d", id), nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}
	if _, ok := mgr.Get(id); ok {
		t.Fatal("session still active after delete")
	}
	if alloc.destroyed != 1 {
		t.Fatalf("expected VM destroyed once, got %d", alloc.destroyed)
	}
	rec := st.record(id)
	if rec.Status != domain.StatusSucceeded || !rec.Closed {
		t.Fatalf("expected succeeded+closed, got %+v", rec)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	p, _, _ := newTestProxy(t, &fakeSelenium{}, &stubAllocator{})

	req := httptest.NewRequest("GET", "/wd/hub/session/999/url", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no active session") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestCreateFailsWhenPoolExhausted(t *testing.T) {
	alloc := &stubAllocator{addErr: pool.ErrCapacityExceeded}
	p, _, st := newTestProxy(t, &fakeSelenium{}, alloc)

	body := `{"desiredCapabilities":{"platform":"ubuntu"}}`
	req := httptest.NewRequest("POST", "/wd/hub/session", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	rec := st.record(1)
	if rec.Status != domain.StatusFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
}

func TestUpstreamCreateErrorPassesThrough(t *testing.T) {
	selenium := &fakeSelenium{failNext: true}
	p, _, st := newTestProxy(t, selenium, &stubAllocator{})

	body := `{"desiredCapabilities":{"platform":"ubuntu"}}`
	req := httptest.NewRequest("POST", "/wd/hub/session", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected upstream 500 to pass through, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "browser crashed") {
		t.Fatalf("upstream body not passed through: %s", w.Body.String())
	}
	rec := st.record(1)
	if rec.Status != domain.StatusFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
}

func TestScreenshotStoredBeforeHandlerReturns(t *testing.T) {
	selenium := &fakeSelenium{}
	alloc := &stubAllocator{}

	upstream := httptest.NewServer(selenium.handler())
	t.Cleanup(upstream.Close)
	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(upstream.URL, "http://"))
	port, _ := strconv.Atoi(portStr)
	alloc.ip = host

	dir := t.TempDir()
	st := newStubStorage()
	rec := recorder.New(st, dir)
	mgr := session.NewManager(alloc, st, rec, session.Config{
		SessionTimeout: time.Minute,
		GetVMTimeout:   100 * time.Millisecond,
	})
	p := New(mgr, rec, nil, Config{SeleniumPort: port, AgentPort: port, ThreadPoolMax: 10})

	body := `{"desiredCapabilities":{"platform":"ubuntu","takeScreenshot":true}}`
	req := httptest.NewRequest("POST", "/wd/hub/session", strings.NewReader(body))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create: status %d", w.Code)
	}

	// Capture is serialized with the command, so the file is on disk
	// by the time the handler returns.
	entries, err := os.ReadDir(filepath.Join(dir, "1"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("no screenshot stored: %v", err)
	}
	if !strings.HasSuffix(entries[0].Name(), ".png") {
		t.Fatalf("unexpected screenshot file %s", entries[0].Name())
	}
}

func TestCreateRejectsMissingPlatform(t *testing.T) {
	p, _, _ := newTestProxy(t, &fakeSelenium{}, &stubAllocator{})

	req := httptest.NewRequest("POST", "/wd/hub/session",
		strings.NewReader(`{"desiredCapabilities":{}}`))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
