package pbs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/upid"
)

const testUPID = "UPID:pbs:000002B2:00000158:00000000:674D828C:logrotate::root@pam:"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewWithConfig(remote.Remote{
		ID:     "pbs-remote",
		Type:   remote.TypePBS,
		Nodes:  []string{srv.URL},
		AuthID: "root@pam!sync",
		Token:  "secret",
	}, remote.HTTPConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestNodes(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())

	nodes, err := client.Nodes(context.Background())
	if err != nil {
		t.Fatalf("Nodes failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0] != upid.PBSNode {
		t.Errorf("Nodes = %v, want [localhost]", nodes)
	}
}

func TestListTasksKeepsFinishedOnly(t *testing.T) {
	var gotAuth, gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		writeData(w, []map[string]any{
			{"upid": testUPID, "starttime": 1733133964, "endtime": 1733133970, "status": "OK"},
			{"upid": "UPID:pbs:000002B2:00000158:00000001:674D828D:garbage_collection::root@pam:", "starttime": 1733133965},
		})
	}))

	tasks, err := client.ListTasks(context.Background(), upid.PBSNode, remote.ListOptions{Since: 1, Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].UPID != testUPID {
		t.Errorf("Expected only the finished task, got %+v", tasks)
	}
	if gotAuth != "PBSAPIToken=root@pam!sync:secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api2/json/nodes/localhost/tasks" {
		t.Errorf("Path = %q", gotPath)
	}
}

func TestTaskStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"status": "stopped", "exitstatus": "WARNINGS: 2"})
	}))

	status, err := client.TaskStatus(context.Background(), testUPID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if !status.Finished() || status.ExitStatus != "WARNINGS: 2" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestTaskStatusRequestError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such task", http.StatusBadRequest)
	}))

	_, err := client.TaskStatus(context.Background(), testUPID)
	if !errors.Is(err, remote.ErrRequest) {
		t.Errorf("Expected ErrRequest, got %v", err)
	}
}

func TestWrongType(t *testing.T) {
	_, err := NewWithConfig(remote.Remote{ID: "x", Type: remote.TypePVE, Nodes: []string{"h"}}, remote.DefaultHTTPConfig())
	if !errors.Is(err, remote.ErrUnsupportedType) {
		t.Errorf("Expected ErrUnsupportedType, got %v", err)
	}
}
