// Package proxy is the transparent WebDriver surface. It intercepts the
// Selenium wire protocol under /wd/hub, creates a clone-backed session
// on session creation, rewrites session ids in both directions, records
// every request and response, and otherwise forwards bytes untouched.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/session"
	"github.com/vmmaster/vmmaster/internal/store"
)

// Config holds the proxy's ports and concurrency bound.
type Config struct {
	SeleniumPort  int
	AgentPort     int
	ThreadPoolMax int
}

// UserFinder resolves the "user" capability to a stored account.
type UserFinder interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// Proxy is the /wd/hub handler.
type Proxy struct {
	sessions *session.Manager
	recorder *recorder.Recorder
	store    UserFinder
	cfg      Config
	client   *http.Client
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics
}

func New(mgr *session.Manager, rec *recorder.Recorder, st UserFinder, cfg Config) *Proxy {
	if cfg.ThreadPoolMax <= 0 {
		cfg.ThreadPoolMax = 100
	}
	return &Proxy{
		sessions: mgr,
		recorder: rec,
		store:    st,
		cfg:      cfg,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		sem:     semaphore.NewWeighted(int64(cfg.ThreadPoolMax)),
		metrics: metrics.Global(),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := p.sem.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "server too busy", http.StatusServiceUnavailable)
		return
	}
	defer p.sem.Release(1)

	start := time.Now()
	defer func() {
		p.metrics.ObserveProxyRequest(r.Method, time.Since(start))
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	r.Body.Close()

	if isSessionCreate(r.Method, r.URL.Path) {
		p.createSession(w, r, body)
		return
	}

	id, ok := sessionIDFromPath(r.URL.Path)
	if !ok {
		p.reply(w, nil, http.StatusNotFound, seleniumError("invalid session path"))
		return
	}
	s, ok := p.sessions.Get(id)
	if !ok {
		p.reply(w, nil, http.StatusNotFound,
			seleniumError(fmt.Sprintf("there is no active session %d", id)))
		return
	}

	p.forward(w, r, s, body)
}

// createSession is the POST .../session flow: parse capabilities, build
// a session with a clone behind it, replay the creation request to the
// clone's Selenium server, and hand the client our id instead of the
// upstream one.
func (p *Proxy) createSession(w http.ResponseWriter, r *http.Request, body []byte) {
	var envelope struct {
		DesiredCapabilities domain.DesiredCapabilities `json:"desiredCapabilities"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		p.reply(w, nil, http.StatusBadRequest,
			seleniumError(fmt.Sprintf("invalid desiredCapabilities: %v", err)))
		return
	}
	dc := envelope.DesiredCapabilities
	if dc.Platform == "" {
		p.reply(w, nil, http.StatusBadRequest,
			seleniumError("platform is required in desiredCapabilities"))
		return
	}

	user := p.resolveUser(r.Context(), dc.User)

	s, err := p.sessions.Create(r.Context(), dc, string(body), user)
	if err != nil {
		logging.Op().Error("session creation failed", "platform", dc.Platform, "error", err)
		p.reply(w, nil, http.StatusInternalServerError, seleniumError(err.Error()))
		return
	}

	stepID := p.recorder.Request(r.Context(), s.ID, r, body)

	resp, respBody, err := p.do(r, s, r.URL.Path, body)
	if err != nil {
		p.sessions.Fail(context.WithoutCancel(r.Context()), s,
			"selenium session not created", err.Error())
		p.reply(w, s, http.StatusInternalServerError, seleniumError(err.Error()))
		return
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		upstream, err := upstreamSessionID(respBody)
		if err != nil {
			p.sessions.Fail(context.WithoutCancel(r.Context()), s,
				"selenium session not created", err.Error())
			p.reply(w, s, http.StatusInternalServerError, seleniumError(err.Error()))
			return
		}
		s.SetSeleniumSession(upstream)
		logging.Session(s.ID).Info("selenium session started", "selenium_session", upstream)
	}

	out := setBodySessionID(respBody, strconv.FormatInt(s.ID, 10))
	p.copyHeaders(w, resp)
	p.reply(w, s, resp.StatusCode, out)

	// An upstream refusal passes through verbatim, but the session is
	// finished: the client never got a working id.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.sessions.Fail(context.WithoutCancel(r.Context()), s,
			"selenium session not created",
			fmt.Sprintf("selenium responded %d", resp.StatusCode))
		return
	}

	if s.TakeScreenshot() && shouldScreenshot(r.Method, r.URL.Path) {
		p.captureScreenshot(s, stepID)
	}
}

// forward relays one in-session command: our id goes out of the path,
// the upstream Selenium id goes in, and the response travels back with
// the substitution reversed.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, s *session.Session, body []byte) {
	if s.Status().Terminal() {
		p.reply(w, nil, http.StatusNotFound,
			seleniumError(fmt.Sprintf("session %d is closed", s.ID)))
		return
	}
	s.Touch()

	stepID := p.recorder.Request(r.Context(), s.ID, r, body)

	upstreamPath := setPathSessionID(r.URL.Path, s.SeleniumSession())
	body = setBodySessionID(body, s.SeleniumSession())
	resp, respBody, err := p.do(r, s, upstreamPath, body)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			p.sessions.Close(context.WithoutCancel(r.Context()), s,
				domain.StatusFailed, "client disconnected")
			return
		}
		p.sessions.Fail(context.WithoutCancel(r.Context()), s,
			"endpoint unreachable", err.Error())
		p.reply(w, s, http.StatusInternalServerError, seleniumError(err.Error()))
		return
	}

	out := setBodySessionID(respBody, strconv.FormatInt(s.ID, 10))
	p.copyHeaders(w, resp)
	p.reply(w, s, resp.StatusCode, out)

	if s.TakeScreenshot() && shouldScreenshot(r.Method, r.URL.Path) {
		p.captureScreenshot(s, stepID)
	}

	if isSessionDelete(r.Method, r.URL.Path) {
		p.sessions.Close(context.WithoutCancel(r.Context()), s,
			domain.StatusSucceeded, "session closed by client")
	}
}

// do replays the request against the session's clone and drains the
// response body.
func (p *Proxy) do(r *http.Request, s *session.Session, path string, body []byte) (*http.Response, []byte, error) {
	vm := s.VM()
	if vm == nil {
		return nil, nil, fmt.Errorf("session %d has no endpoint", s.ID)
	}

	url := fmt.Sprintf("http://%s:%d%s", vm.IP(), p.cfg.SeleniumPort, path)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Content-Length")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("forward to %s: %w", vm.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read endpoint response: %w", err)
	}
	return resp, respBody, nil
}

// reply writes the final body with a recomputed Content-Length and
// records it.
func (p *Proxy) reply(w http.ResponseWriter, s *session.Session, status int, body []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
	if s != nil {
		p.recorder.Response(context.Background(), s.ID, status, body)
	}
}

func (p *Proxy) copyHeaders(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
}

// resolveUser maps the "user" capability to a stored account. Unknown or
// empty users run anonymously.
func (p *Proxy) resolveUser(ctx context.Context, username string) *domain.User {
	if username == "" || p.store == nil {
		return nil
	}
	user, err := p.store.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Op().Error("resolve user", "username", username, "error", err)
		}
		return nil
	}
	return user
}

// seleniumError renders the classic JSON wire protocol failure shape.
func seleniumError(message string) []byte {
	out, _ := json.Marshal(map[string]any{
		"status": 13,
		"value":  map[string]string{"message": message},
	})
	return out
}
