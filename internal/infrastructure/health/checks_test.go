package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

func TestEndpointCheck_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			t.Errorf("Expected root path, got '%s'", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ok, msg := EndpointCheck(server.URL+"/v1/", 5*time.Second)()
	if !ok || msg != "ok" {
		t.Errorf("Expected ok, got ok=%v msg=%s", ok, msg)
	}
}

func TestEndpointCheck_Unreachable(t *testing.T) {
	ok, msg := EndpointCheck("http://localhost:99999", 1*time.Second)()
	if ok {
		t.Error("Expected ok=false for unreachable server")
	}
	if !strings.Contains(msg, "unreachable") {
		t.Errorf("Expected message to contain 'unreachable', got: %s", msg)
	}
}

func TestEndpointCheck_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ok, msg := EndpointCheck(server.URL, 5*time.Second)()
	if ok {
		t.Error("Expected ok=false for 502 status")
	}
	if !strings.Contains(msg, "status 502") {
		t.Errorf("Expected message to contain 'status 502', got: %s", msg)
	}
}

func TestStorageCheck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conversations")
	ok, msg := StorageCheck(dir)()
	if !ok {
		t.Fatalf("Expected writable storage, got: %s", msg)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Probe file should be removed, found %d entries", len(entries))
	}
}

func TestChannelsCheck(t *testing.T) {
	ok, msg := ChannelsCheck([]outbox.Channel{outbox.ChannelWhatsApp, outbox.ChannelLINE})()
	if !ok || msg != "line,whatsapp" {
		t.Errorf("Expected sorted channel list, got ok=%v msg=%s", ok, msg)
	}

	if ok, _ := ChannelsCheck(nil)(); ok {
		t.Error("Expected ok=false with no channels")
	}
}

func TestChecker_ServeHTTP(t *testing.T) {
	c := NewChecker()
	c.Register("storage", func() (bool, string) { return true, "ok" })

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	c.Register("llm", func() (bool, string) { return false, "unreachable" })
	rec = httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}

	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "degraded" || rep.Checks["llm"].OK {
		t.Errorf("Unexpected report: %+v", rep)
	}
}
