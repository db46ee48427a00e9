package tasks

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tasksync/tasksync/internal/taskcache"
	"github.com/tasksync/tasksync/internal/upid"
)

const testNow = 1_700_000_000

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pveItem(remote string, start int64, worker, user, status string) taskcache.Item {
	native := fmt.Sprintf("UPID:pve:00039E4D:002638B8:%08X:%s:100:%s:", start, worker, user)
	item := taskcache.Item{UPID: upid.MustNew(remote, native), StartTime: start}
	if status != "" {
		item.Status = status
		item.EndTime = start + 5
	}
	return item
}

func pbsItem(remote string, start int64, status string) taskcache.Item {
	native := fmt.Sprintf("UPID:pbs:000002B2:00000158:00000000:%08X:logrotate::root@pam:", start)
	item := taskcache.Item{UPID: upid.MustNew(remote, native), StartTime: start}
	if status != "" {
		item.Status = status
		item.EndTime = start + 5
	}
	return item
}

// testItems is sorted newest first, as the cache returns them.
func testItems() []taskcache.Item {
	return []taskcache.Item{
		pveItem("pve-a", testNow-10, "vzdump", "root@pam", ""),
		pbsItem("pbs-a", testNow-20, "OK"),
		pveItem("pve-b", testNow-30, "qmstart", "alice@pve", "WARNINGS: 2"),
		pveItem("pve-a", testNow-40, "vzdump", "alice@pve", "command failed"),
		pveItem("pve-a", testNow-50, "qmstop", "root@pam", "OK"),
		pveItem("pve-b", testNow-60, "qmstart", "root@pam", "unknown"),
	}
}

func starts(items []TaskListItem) []int64 {
	var out []int64
	for _, t := range items {
		out = append(out, testNow-t.StartTime)
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status string
		want   State
	}{
		{"OK", StateOK},
		{"WARNINGS: 3", StateWarning},
		{"WARNINGS:3", StateError},
		{"command 'vzdump' failed", StateError},
		{"unknown", StateUnknown},
		{"", StateUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.status); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"ok", "Warning", " error ", "unknown"} {
		if _, err := ParseState(s); err != nil {
			t.Errorf("ParseState(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseState("fine"); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestFromItem(t *testing.T) {
	got, err := FromItem(pveItem("pve-a", 0x67B4A9D1, "vzdump", "root@pam", "OK"))
	if err != nil {
		t.Fatalf("FromItem failed: %v", err)
	}
	want := TaskListItem{
		UPID:       "pve-a!UPID:pve:00039E4D:002638B8:67B4A9D1:vzdump:100:root@pam:",
		Remote:     "pve-a",
		Node:       "pve",
		PID:        0x39E4D,
		PStart:     0x2638B8,
		StartTime:  0x67B4A9D1,
		WorkerType: "vzdump",
		WorkerID:   "100",
		User:       "root@pam",
		EndTime:    0x67B4A9D1 + 5,
		Status:     "OK",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromItem mismatch (-want +got):\n%s", diff)
	}

	bad := taskcache.Item{UPID: upid.MustNew("pve-a", "not-a-upid"), StartTime: 1}
	if _, err := FromItem(bad); err == nil {
		t.Error("Expected error for unparsable UPID")
	}
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		want    []int64
	}{
		{name: "no filters", want: []int64{10, 20, 30, 40, 50, 60}},
		{name: "running", filters: Filters{Running: true}, want: []int64{10}},
		{name: "errors keeps running and non-ok", filters: Filters{Errors: true}, want: []int64{10, 30, 40, 60}},
		{name: "remote", filters: Filters{Remote: "pve-b"}, want: []int64{30, 60}},
		{name: "since", filters: Filters{Since: testNow - 30}, want: []int64{10, 20, 30}},
		{name: "until", filters: Filters{Until: testNow - 40}, want: []int64{40, 50, 60}},
		{name: "user", filters: Filters{UserFilter: "alice"}, want: []int64{30, 40}},
		{name: "type", filters: Filters{TypeFilter: "qm"}, want: []int64{30, 50, 60}},
		{name: "status", filters: Filters{StatusFilter: []State{StateWarning, StateError}}, want: []int64{30, 40}},
		{name: "status excludes running", filters: Filters{StatusFilter: []State{StateUnknown}}, want: []int64{60}},
		{name: "start", filters: Filters{Start: 4}, want: []int64{50, 60}},
		{name: "limit", filters: Filters{Limit: 2}, want: []int64{10, 20}},
		{name: "start and limit", filters: Filters{Start: 1, Limit: 2}, want: []int64{20, 30}},
		{name: "combined", filters: Filters{Remote: "pve-a", TypeFilter: "vzdump", Errors: true}, want: []int64{10, 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := slices.Collect(Filter(slices.Values(testItems()), tt.filters, discardLogger()))
			if diff := cmp.Diff(tt.want, starts(got)); diff != "" {
				t.Errorf("Filter mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFilterSkipsUnparsableUPID(t *testing.T) {
	items := []taskcache.Item{
		{UPID: upid.MustNew("pve-a", "garbage"), StartTime: testNow},
		pveItem("pve-a", testNow-10, "vzdump", "root@pam", "OK"),
	}
	got := slices.Collect(Filter(slices.Values(items), Filters{}, discardLogger()))
	if len(got) != 1 {
		t.Errorf("Expected 1 item, got %d", len(got))
	}
}

func TestFilterStopsAtSince(t *testing.T) {
	items := testItems()
	since := int64(testNow - 30)
	var pulled []int64
	seq := func(yield func(taskcache.Item) bool) {
		for _, item := range items {
			pulled = append(pulled, item.StartTime)
			if !yield(item) {
				return
			}
		}
	}

	got := slices.Collect(Filter(seq, Filters{Since: since}, discardLogger()))
	if diff := cmp.Diff([]int64{10, 20, 30}, starts(got)); diff != "" {
		t.Errorf("Filter mismatch (-want +got):\n%s", diff)
	}
	if len(pulled) != 4 || pulled[3] >= since {
		t.Errorf("Expected iteration to stop after the first older item, pulled %v", pulled)
	}
}

func TestQuery(t *testing.T) {
	config := taskcache.DefaultConfig()
	config.Logger = discardLogger()
	cache, err := taskcache.NewWithConfig(t.TempDir(), config)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	success := taskcache.NewNodeFetchSuccessMap()
	success.SetSuccess("pve-a", "pve")
	success.SetSuccess("pve-b", "pve")
	success.SetSuccess("pbs-a", upid.PBSNode)

	err = cache.WithWrite(func(w *taskcache.Writer) error {
		if err := w.Init(testNow - 3600); err != nil {
			return err
		}
		return w.Update(testItems(), success, nil)
	})
	if err != nil {
		t.Fatalf("Failed to fill cache: %v", err)
	}

	all, err := List(cache, Filters{}, discardLogger())
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if diff := cmp.Diff([]int64{10, 20, 30, 40, 50, 60}, starts(all)); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	running, err := List(cache, Filters{Running: true}, discardLogger())
	if err != nil {
		t.Fatalf("Failed to list running tasks: %v", err)
	}
	if len(running) != 1 || !running[0].Running() {
		t.Errorf("Expected one running task, got %+v", running)
	}

	none, err := List(cache, Filters{Remote: "missing"}, discardLogger())
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("Expected empty non-nil result, got %#v", none)
	}
}

func TestSummarize(t *testing.T) {
	items := slices.Collect(Filter(slices.Values(testItems()), Filters{}, discardLogger()))
	got := Summarize(items)
	want := Summary{Running: 1, OK: 2, Warnings: 1, Errors: 1, Unknown: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}
	if got.Total() != 6 {
		t.Errorf("Total = %d, want 6", got.Total())
	}
}
