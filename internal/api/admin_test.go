package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bit2swaz/syncprobe/internal/cluster"
)

func newTestServer(t *testing.T) (*cluster.Cluster, *httptest.Server) {
	t.Helper()
	c, err := cluster.New(cluster.Options{Nodes: 2})
	if err != nil {
		t.Fatalf("Failed to start cluster: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.WaitForLeader(10 * time.Second); err != nil {
		t.Fatalf("Failed to elect leader: %v", err)
	}

	ts := httptest.NewServer(NewServer(c, 0).Handler())
	t.Cleanup(ts.Close)
	return c, ts
}

func getStatus(t *testing.T, ts *httptest.Server) statusResponse {
	t.Helper()
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	return status
}

func post(t *testing.T, ts *httptest.Server, path string) int {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	c, ts := newTestServer(t)

	status := getStatus(t, ts)
	if status.Leader != c.Leader().ID {
		t.Errorf("Expected leader %s, got %s", c.Leader().ID, status.Leader)
	}
	if len(status.Nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(status.Nodes))
	}
	for i, n := range status.Nodes {
		if n.ID != cluster.NodeID(i+1) {
			t.Errorf("Expected node %s at position %d, got %s", cluster.NodeID(i+1), i, n.ID)
		}
		if n.Paused || n.Isolated {
			t.Errorf("Expected %s to be healthy, got %+v", n.ID, n)
		}
	}
}

func TestPauseAndResume(t *testing.T) {
	c, ts := newTestServer(t)

	if code := post(t, ts, "/nodes/node2/pause"); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	node, _ := c.Node("node2")
	if !node.Paused() {
		t.Error("Expected node2 to be paused")
	}
	if !getStatus(t, ts).Nodes[1].Paused {
		t.Error("Expected status to report node2 as paused")
	}

	if code := post(t, ts, "/nodes/node2/resume"); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if node.Paused() {
		t.Error("Expected node2 to be resumed")
	}
}

func TestIsolateAndHeal(t *testing.T) {
	c, ts := newTestServer(t)

	if code := post(t, ts, "/nodes/node2/isolate"); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	node, _ := c.Node("node2")
	if !node.Isolated() {
		t.Error("Expected node2 to be isolated")
	}

	if code := post(t, ts, "/nodes/node2/heal"); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if node.Isolated() {
		t.Error("Expected node2 to be healed")
	}
}

func TestNodeActionErrors(t *testing.T) {
	_, ts := newTestServer(t)

	testCases := []struct {
		path string
		code int
	}{
		{"/nodes/node9/pause", http.StatusNotFound},
		{"/nodes/node1/reboot", http.StatusNotFound},
	}
	for _, tc := range testCases {
		if code := post(t, ts, tc.path); code != tc.code {
			t.Errorf("POST %s: expected %d, got %d", tc.path, tc.code, code)
		}
	}

	resp, err := http.Get(ts.URL + "/nodes/node1/pause")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET on a node action, got %d", resp.StatusCode)
	}
}
