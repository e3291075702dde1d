package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/homectl/rfswitch/internal/storage"
)

// MockExecutor records executed requests
type MockExecutor struct {
	mu      sync.Mutex
	actions [][]int64
	rooms   []string
	scenes  []int64
}

func (m *MockExecutor) ExecuteActionIDs(ctx context.Context, ids []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, ids)
}

func (m *MockExecutor) ExecuteRoomButton(ctx context.Context, roomID int64, buttonName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = append(m.rooms, buttonName)
}

func (m *MockExecutor) ExecuteScene(ctx context.Context, sceneID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes = append(m.scenes, sceneID)
}

type MockHistory struct {
	items []*storage.HistoryItem
	limit int
}

func (m *MockHistory) ListHistory(limit int) ([]*storage.HistoryItem, error) {
	m.limit = limit
	if limit < len(m.items) {
		return m.items[:limit], nil
	}
	return m.items, nil
}

func setupTestServer(t *testing.T) (*Client, *MockExecutor, *MockHistory) {
	t.Helper()

	exec := &MockExecutor{}
	hist := &MockHistory{items: []*storage.HistoryItem{
		{ID: 2, Time: time.Date(2024, 5, 1, 8, 1, 0, 0, time.UTC), Text: "Home: Kitchen: ON"},
		{ID: 1, Time: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), Text: "Home: Evening"},
	}}

	ln := bufconn.Listen(1 << 20)
	srv := NewServer(DefaultConfig(), NewControl(exec, hist))
	srv.Serve(ln)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, exec, hist
}

func TestExecuteCalls(t *testing.T) {
	client, exec, _ := setupTestServer(t)
	ctx := context.Background()

	if _, err := client.Call(ctx, MethodExecuteAction, map[string]interface{}{"action_id": 7}); err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	resp, err := client.Call(ctx, MethodExecuteAction, map[string]interface{}{"action_ids": []interface{}{1, 2, 3}})
	if err != nil {
		t.Fatalf("ExecuteAction list failed: %v", err)
	}
	if n := resp.GetFields()["accepted"].GetNumberValue(); n != 3 {
		t.Errorf("accepted = %v, want 3", n)
	}
	if _, err := client.Call(ctx, MethodExecuteRoomButton, map[string]interface{}{"room_id": 2, "button": "OFF"}); err != nil {
		t.Fatalf("ExecuteRoomButton failed: %v", err)
	}
	if _, err := client.Call(ctx, MethodExecuteScene, map[string]interface{}{"scene_id": 4}); err != nil {
		t.Fatalf("ExecuteScene failed: %v", err)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.actions) != 2 || exec.actions[0][0] != 7 || len(exec.actions[1]) != 3 {
		t.Errorf("Actions = %v", exec.actions)
	}
	if len(exec.rooms) != 1 || exec.rooms[0] != "OFF" {
		t.Errorf("Rooms = %v", exec.rooms)
	}
	if len(exec.scenes) != 1 || exec.scenes[0] != 4 {
		t.Errorf("Scenes = %v", exec.scenes)
	}
}

func TestInvalidArguments(t *testing.T) {
	client, exec, _ := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		method string
		req    map[string]interface{}
	}{
		{MethodExecuteAction, map[string]interface{}{}},
		{MethodExecuteAction, map[string]interface{}{"action_id": "seven"}},
		{MethodExecuteAction, map[string]interface{}{"action_id": 1.5}},
		{MethodExecuteAction, map[string]interface{}{"action_ids": 3}},
		{MethodExecuteRoomButton, map[string]interface{}{"room_id": 1}},
		{MethodExecuteScene, map[string]interface{}{"scene_id": -1}},
		{MethodHistory, map[string]interface{}{"limit": 0}},
	}

	for _, tt := range tests {
		_, err := client.Call(ctx, tt.method, tt.req)
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("%s %v: code = %v, want InvalidArgument", tt.method, tt.req, status.Code(err))
		}
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.actions)+len(exec.rooms)+len(exec.scenes) != 0 {
		t.Error("Invalid requests must not execute anything")
	}
}

func TestHistory(t *testing.T) {
	client, _, hist := setupTestServer(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, MethodHistory, map[string]interface{}{"limit": 1})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	items := resp.GetFields()["items"].GetListValue().GetValues()
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	item := items[0].GetStructValue().GetFields()
	if item["text"].GetStringValue() != "Home: Kitchen: ON" || item["time"].GetStringValue() != "2024-05-01T08:01:00Z" {
		t.Errorf("Unexpected item %v", item)
	}

	if _, err := client.Call(ctx, MethodHistory, map[string]interface{}{}); err != nil {
		t.Fatalf("History without limit failed: %v", err)
	}
	if hist.limit != DefaultHistoryLimit {
		t.Errorf("limit = %d, want %d", hist.limit, DefaultHistoryLimit)
	}
}

func TestHealth(t *testing.T) {
	client, _, _ := setupTestServer(t)

	ok, err := client.Healthy(context.Background())
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	if !ok {
		t.Error("Expected control service to be serving")
	}
}

func TestUnknownMethod(t *testing.T) {
	client, _, _ := setupTestServer(t)

	_, err := client.Call(context.Background(), "Reboot", map[string]interface{}{})
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("code = %v, want Unimplemented", status.Code(err))
	}
}
