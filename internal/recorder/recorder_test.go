package recorder

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vmmaster/vmmaster/internal/domain"
)

type memStorage struct {
	mu     sync.Mutex
	nextID int64
	steps  []domain.LogStep
	subs   []domain.SubStep
	shots  map[int64]string
}

func newMemStorage() *memStorage {
	return &memStorage{shots: make(map[int64]string)}
}

func (m *memStorage) CreateLogStep(_ context.Context, step *domain.LogStep) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	step.ID = m.nextID
	m.steps = append(m.steps, *step)
	return step.ID, nil
}

func (m *memStorage) CreateSubStep(_ context.Context, sub *domain.SubStep) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub.ID = m.nextID
	m.subs = append(m.subs, *sub)
	return sub.ID, nil
}

func (m *memStorage) UpdateLogStepScreenshot(_ context.Context, stepID int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shots[stepID] = path
	return nil
}

func TestRequestAndResponseSteps(t *testing.T) {
	st := newMemStorage()
	rec := New(st, t.TempDir())
	ctx := context.Background()

	req := httptest.NewRequest("POST", "/wd/hub/session/1/url", nil)
	reqID := rec.Request(ctx, 1, req, []byte(`{"url":"http://example.com"}`))
	respID := rec.Response(ctx, 1, 200, []byte(`{"status":0}`))

	if reqID == 0 || respID == 0 {
		t.Fatal("steps not recorded")
	}
	if len(st.steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(st.steps))
	}
	if st.steps[0].ControlLine != "POST /wd/hub/session/1/url HTTP/1.1" {
		t.Fatalf("control line: %q", st.steps[0].ControlLine)
	}
	if st.steps[1].ControlLine != "200 OK" {
		t.Fatalf("response control line: %q", st.steps[1].ControlLine)
	}
}

func TestSubStepAttachesToLastStep(t *testing.T) {
	st := newMemStorage()
	rec := New(st, t.TempDir())
	ctx := context.Background()

	// No parent step yet: dropped silently.
	rec.SubStep(ctx, 7, "WAITING FOR VM", "attempt 1")
	if len(st.subs) != 0 {
		t.Fatal("orphan sub step recorded")
	}

	stepID := rec.Step(ctx, 7, "SESSION CREATED", "ubuntu")
	rec.SubStep(ctx, 7, "WAITING FOR VM", "attempt 1")

	if len(st.subs) != 1 {
		t.Fatalf("expected 1 sub step, got %d", len(st.subs))
	}
	if st.subs[0].LogStepID != stepID {
		t.Fatalf("sub step parent %d, want %d", st.subs[0].LogStepID, stepID)
	}

	// Forgotten sessions drop sub steps again.
	rec.Forget(7)
	rec.SubStep(ctx, 7, "WAITING FOR VM", "attempt 2")
	if len(st.subs) != 1 {
		t.Fatal("sub step recorded after Forget")
	}
}

func TestSaveScreenshot(t *testing.T) {
	st := newMemStorage()
	dir := t.TempDir()
	rec := New(st, dir)
	ctx := context.Background()

	png := []byte("\x89PNG fake")
	path, err := rec.SaveScreenshot(ctx, 3, 9, png)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := filepath.Join(dir, "3", "9.png")
	if path != want {
		t.Fatalf("path %s, want %s", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != string(png) {
		t.Fatalf("file content: %q, %v", data, err)
	}
	if st.shots[9] != path {
		t.Fatalf("screenshot not attached to step: %v", st.shots)
	}

	rec.RemoveScreenshots(3)
	if _, err := os.Stat(filepath.Join(dir, "3")); !os.IsNotExist(err) {
		t.Fatal("screenshot dir not removed")
	}
}

func TestStepsOrdered(t *testing.T) {
	st := newMemStorage()
	rec := New(st, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec.Step(ctx, 1, fmt.Sprintf("STEP %d", i), "")
	}
	for i := 1; i < len(st.steps); i++ {
		if st.steps[i].ID <= st.steps[i-1].ID {
			t.Fatalf("steps out of order: %v", st.steps)
		}
	}
}
