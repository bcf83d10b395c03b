package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/session"
)

// screenshotWords are the command words that mark a request as visually
// interesting enough to capture.
var screenshotWords = map[string]bool{
	"url":     true,
	"click":   true,
	"execute": true,
	"keys":    true,
}

// shouldScreenshot applies the capture heuristic: a POST whose path
// contains one of the command words as a segment, or whose final
// segment is "session" (session creation).
func shouldScreenshot(method, path string) bool {
	if method != "POST" {
		return false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, part := range parts {
		if screenshotWords[part] {
			return true
		}
	}
	return len(parts) > 0 && parts[len(parts)-1] == "session"
}

// captureScreenshot fetches a PNG from the clone's agent and stores it
// under the log step. Runs after the client reply has been written;
// failures only log.
func (p *Proxy) captureScreenshot(s *session.Session, stepID int64) {
	vm := s.VM()
	if vm == nil || stepID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/takeScreenshot", vm.IP(), p.cfg.AgentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Session(s.ID).Warn("screenshot fetch failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.Session(s.ID).Warn("screenshot fetch failed", "status", resp.StatusCode)
		return
	}

	png, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		logging.Session(s.ID).Warn("screenshot read failed", "error", err)
		return
	}

	if _, err := p.recorder.SaveScreenshot(ctx, s.ID, stepID, png); err != nil {
		logging.Session(s.ID).Warn("screenshot save failed", "error", err)
		return
	}
	metrics.Global().ScreenshotTaken()
}
