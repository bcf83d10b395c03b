// Package recorder is the append-only session history writer. Each
// request and response that crosses the proxy becomes a log step; steps
// can carry a screenshot path, and provider-internal events attach as
// sub steps under the most recent step.
package recorder

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
)

// Storage is the persistence surface the recorder writes through.
type Storage interface {
	CreateLogStep(ctx context.Context, step *domain.LogStep) (int64, error)
	CreateSubStep(ctx context.Context, sub *domain.SubStep) (int64, error)
	UpdateLogStepScreenshot(ctx context.Context, stepID int64, path string) error
}

// Recorder writes session history through the store and screenshot
// files under screenshotsDir. Failures are logged and swallowed so the
// proxy path never blocks on persistence.
type Recorder struct {
	store          Storage
	screenshotsDir string

	mu       sync.Mutex
	lastStep map[int64]int64 // session id -> last log step id
}

func New(st Storage, screenshotsDir string) *Recorder {
	return &Recorder{
		store:          st,
		screenshotsDir: screenshotsDir,
		lastStep:       make(map[int64]int64),
	}
}

// Request records an inbound client request and returns the step id for
// screenshot attachment.
func (r *Recorder) Request(ctx context.Context, sessionID int64, req *http.Request, body []byte) int64 {
	control := fmt.Sprintf("%s %s %s", req.Method, req.URL.RequestURI(), req.Proto)
	return r.step(ctx, sessionID, control, body)
}

// Response records the reply sent back to the client.
func (r *Recorder) Response(ctx context.Context, sessionID int64, status int, body []byte) int64 {
	control := fmt.Sprintf("%d %s", status, http.StatusText(status))
	return r.step(ctx, sessionID, control, body)
}

// Step records an internal milestone (session creation stages, timeouts)
// as its own log step.
func (r *Recorder) Step(ctx context.Context, sessionID int64, control, body string) int64 {
	return r.step(ctx, sessionID, control, []byte(body))
}

func (r *Recorder) step(ctx context.Context, sessionID int64, control string, body []byte) int64 {
	step := &domain.LogStep{
		SessionID:   sessionID,
		ControlLine: control,
		Body:        string(body),
	}
	if _, err := r.store.CreateLogStep(ctx, step); err != nil {
		logging.Session(sessionID).Error("record log step", "error", err)
		return 0
	}
	r.mu.Lock()
	r.lastStep[sessionID] = step.ID
	r.mu.Unlock()
	return step.ID
}

// SubStep attaches a provider-internal event under the session's most
// recent log step. Dropped when the session has no steps yet.
func (r *Recorder) SubStep(ctx context.Context, sessionID int64, control, body string) {
	r.mu.Lock()
	parent, ok := r.lastStep[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	sub := &domain.SubStep{LogStepID: parent, ControlLine: control, Body: body}
	if _, err := r.store.CreateSubStep(ctx, sub); err != nil {
		logging.Session(sessionID).Error("record sub step", "error", err)
	}
}

// SaveScreenshot writes PNG data to <dir>/<session>/<step>.png and
// attaches the path to the step.
func (r *Recorder) SaveScreenshot(ctx context.Context, sessionID, stepID int64, png []byte) (string, error) {
	dir := filepath.Join(r.screenshotsDir, fmt.Sprintf("%d", sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.png", stepID))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	if err := r.store.UpdateLogStepScreenshot(ctx, stepID, path); err != nil {
		logging.Session(sessionID).Error("attach screenshot", "error", err)
	}
	return path, nil
}

// Forget drops the in-memory last-step pointer once a session closes.
func (r *Recorder) Forget(sessionID int64) {
	r.mu.Lock()
	delete(r.lastStep, sessionID)
	r.mu.Unlock()
}

// RemoveScreenshots deletes a session's screenshot directory. Used when
// old sessions are purged.
func (r *Recorder) RemoveScreenshots(sessionID int64) {
	dir := filepath.Join(r.screenshotsDir, fmt.Sprintf("%d", sessionID))
	if err := os.RemoveAll(dir); err != nil {
		logging.Session(sessionID).Error("remove screenshots", "error", err)
	}
}
