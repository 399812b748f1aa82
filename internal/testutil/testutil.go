// Package testutil provides helpers shared by NiaCoach package tests.
//
// It cannot be imported from package store's own tests because it depends on store.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/BTreeMap/NiaCoach/internal/store"
)

// T is the subset of testing.TB the assertion helpers need.
type T interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewSQLiteStore opens a SQLite store in a temporary directory and closes it when the test ends.
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "niacoach-test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedProfile creates a profile with the given name and step.
func SeedProfile(t T, st store.ConversationStore, userID, name string, step models.Step) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.CreateProfile(ctx, userID, ""); err != nil {
		t.Fatalf("CreateProfile(%s) failed: %v", userID, err)
	}
	update := models.ProfileUpdate{}.WithStep(step)
	if name != "" {
		update = update.WithName(name)
	}
	if err := st.UpdateProfile(ctx, userID, update); err != nil {
		t.Fatalf("UpdateProfile(%s) failed: %v", userID, err)
	}
}

// RecordingEmitter collects emitted messages. A non-nil Err is returned instead.
type RecordingEmitter struct {
	mu   sync.Mutex
	msgs []models.OutboundMessage
	Err  error
}

// Emit records msg.
func (e *RecordingEmitter) Emit(ctx context.Context, msg models.OutboundMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return e.Err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (e *RecordingEmitter) Sent() []models.OutboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.OutboundMessage(nil), e.msgs...)
}

// Texts returns the Text field of each recorded message.
func (e *RecordingEmitter) Texts() []string {
	sent := e.Sent()
	texts := make([]string, len(sent))
	for i, m := range sent {
		texts[i] = m.Text
	}
	return texts
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONStatus decodes a JSON envelope and validates its status field.
func AssertJSONStatus(t T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
		return response
	}
	if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// PostForm sends a form-encoded POST through handler, the way Twilio calls a webhook.
func PostForm(handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
