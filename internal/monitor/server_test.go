package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/ble-kermit/internal/ble"
	"github.com/chaz8081/ble-kermit/internal/history"
)

func newTestServer(t *testing.T, bus *EventBus, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(bus, opts))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, wantCode int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantCode)
	}
	if v == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding %s: %v", url, err)
	}
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, NewEventBus(), Options{State: fixedState(ble.StateTransferActive)})

	var body map[string]any
	getJSON(t, srv.URL+"/api/v1/status", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["state"] != "transfer-active" {
		t.Errorf("state = %v, want transfer-active", body["state"])
	}
}

func TestStatusWithoutStateSource(t *testing.T) {
	srv := newTestServer(t, NewEventBus(), Options{})

	var body map[string]any
	getJSON(t, srv.URL+"/api/v1/status", http.StatusOK, &body)
	if body["state"] != "unknown" {
		t.Errorf("state = %v, want unknown", body["state"])
	}
}

func TestHistory(t *testing.T) {
	journal := &mockJournal{entries: []history.Entry{
		{ID: 2, Type: "get", Arg: "b.bin"},
		{ID: 1, Type: "send", Arg: "a.bin"},
	}}
	srv := newTestServer(t, NewEventBus(), Options{Journal: journal})

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
		wantLimit int
	}{
		{"default limit", "", http.StatusOK, 2, 50},
		{"explicit limit", "?limit=1", http.StatusOK, 1, 1},
		{"limit too large", "?limit=501", http.StatusBadRequest, 0, 0},
		{"not a number", "?limit=abc", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantCode != http.StatusOK {
				getJSON(t, srv.URL+"/api/v1/history"+tt.query, tt.wantCode, nil)
				return
			}
			var body struct {
				Transactions []history.Entry `json:"transactions"`
				Count        int             `json:"count"`
			}
			getJSON(t, srv.URL+"/api/v1/history"+tt.query, http.StatusOK, &body)
			if body.Count != tt.wantCount || len(body.Transactions) != tt.wantCount {
				t.Errorf("count = %d (%d entries), want %d", body.Count, len(body.Transactions), tt.wantCount)
			}
			if got := journal.lastLimit(); got != tt.wantLimit {
				t.Errorf("Recent() limit = %d, want %d", got, tt.wantLimit)
			}
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv := newTestServer(t, NewEventBus(), Options{})
	getJSON(t, srv.URL+"/api/v1/history", http.StatusNotFound, nil)
}

func TestHistoryError(t *testing.T) {
	srv := newTestServer(t, NewEventBus(), Options{Journal: &mockJournal{err: errors.New("locked")}})
	getJSON(t, srv.URL+"/api/v1/history", http.StatusInternalServerError, nil)
}

func TestFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, NewEventBus(), Options{Root: root})

	var body struct {
		Root  string `json:"root"`
		Files []struct {
			Filename string `json:"filename"`
			Etag     string `json:"etag"`
		} `json:"files"`
	}
	getJSON(t, srv.URL+"/api/v1/files", http.StatusOK, &body)
	if body.Root != root {
		t.Errorf("root = %q, want %q", body.Root, root)
	}
	if len(body.Files) != 1 || body.Files[0].Filename != "a.txt" || body.Files[0].Etag != "68f7ec68" {
		t.Errorf("files = %+v, want a.txt/68f7ec68", body.Files)
	}
}

func TestFilesMissingRoot(t *testing.T) {
	srv := newTestServer(t, NewEventBus(), Options{Root: filepath.Join(t.TempDir(), "nope")})
	getJSON(t, srv.URL+"/api/v1/files", http.StatusInternalServerError, nil)
}

func TestEventStream(t *testing.T) {
	bus := NewEventBus()
	srv := newTestServer(t, bus, Options{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(Event{Type: EventState, Data: StateChange{From: "scanning", To: "connected"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type EventType   `json:"type"`
		Data StateChange `json:"data"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != EventState || got.Data.To != "connected" {
		t.Errorf("event = %+v, want state change to connected", got)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 50, false},
		{"n=10", 10, false},
		{"n=0", 0, true},
		{"n=x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			got, err := queryInt(r, "n", 50, 1, 100)
			if (err != nil) != tt.wantErr {
				t.Fatalf("queryInt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("queryInt() = %d, want %d", got, tt.want)
			}
		})
	}
}
