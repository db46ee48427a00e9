package taskcache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestParseArchiveFilename(t *testing.T) {
	tests := []struct {
		path           string
		wantOK         bool
		wantStart      int64
		wantCompressed bool
	}{
		{path: "/tmp/archive.10000", wantOK: true, wantStart: 10000},
		{path: "/tmp/archive.1234.zst", wantOK: true, wantStart: 1234, wantCompressed: true},
		{path: "/tmp/archive.-5", wantOK: true, wantStart: -5},
		{path: "/tmp/archive.", wantOK: false},
		{path: "/tmp/archive.abc", wantOK: false},
		{path: "/tmp/archive.12.gz", wantOK: false},
		{path: "/tmp/active", wantOK: false},
		{path: "/tmp/.tmp_archive.100_abc", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := parseArchiveFilename(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("parseArchiveFilename(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Path != tt.path {
				t.Errorf("Path = %q, want %q", got.Path, tt.path)
			}
			if got.StartTime != tt.wantStart {
				t.Errorf("StartTime = %d, want %d", got.StartTime, tt.wantStart)
			}
			if got.Compressed != tt.wantCompressed {
				t.Errorf("Compressed = %v, want %v", got.Compressed, tt.wantCompressed)
			}
		})
	}
}

func TestReadRecords(t *testing.T) {
	input := `{"upid":"pve-remote!UPID:pve:00039E4D:002638B8:67B4A9D1:stopall::root@pam:","status":"OK","endtime":12345, "starttime": 1234}
{"upid":"pbs-remote!UPID:pbs:000002B2:00000158:00000000:674D828C:logrotate::root@pam:","status":"OK","endtime":12345, "starttime": 1234}

invalid`

	var items []Item
	var errs []error
	for item, err := range readRecords(strings.NewReader(input)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, item)
	}

	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	if items[0].UPID.Remote() != "pve-remote" {
		t.Errorf("First remote = %q, want pve-remote", items[0].UPID.Remote())
	}
	if items[1].UPID.Remote() != "pbs-remote" {
		t.Errorf("Second remote = %q, want pbs-remote", items[1].UPID.Remote())
	}
	if len(errs) != 1 {
		t.Errorf("Expected 1 error, got %d", len(errs))
	}
}

func TestRecordEncodingOmitsEmptyFields(t *testing.T) {
	var sb strings.Builder
	if err := writeItems(&sb, slices.Values([]Item{task(1000, false)})); err != nil {
		t.Fatalf("writeItems failed: %v", err)
	}
	line := sb.String()
	if strings.Contains(line, "status") || strings.Contains(line, "endtime") {
		t.Errorf("Running task must not carry status or endtime: %s", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Error("Record must end with a newline")
	}
}

func TestCompressedSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()

	f, err := createArchiveFile(dir, 100, false, 0o640)
	if err != nil {
		t.Fatalf("Failed to create archive file: %v", err)
	}

	cache := &TaskCache{dir: dir, config: DefaultConfig(), logger: discardLogger()}
	want := []Item{task(300, true), task(200, true), task(100, true)}
	if err := cache.mergeSingleFile(want, f); err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}

	uncompressedPath := f.Path
	if err := f.compress(0o640); err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if !f.Compressed || !strings.HasSuffix(f.Path, ".zst") {
		t.Errorf("Unexpected file after compression: %+v", f)
	}
	if _, err := os.Stat(uncompressedPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("Uncompressed file must be removed")
	}

	got := slices.Collect(f.items(discardLogger()))
	if !slices.Equal(want, got) {
		t.Errorf("Round trip mismatch: got %v", got)
	}

	// Merging into a compressed file keeps it compressed and readable.
	if err := cache.mergeSingleFile([]Item{task(250, true), task(200, true)}, f); err != nil {
		t.Fatalf("Failed to merge into compressed file: %v", err)
	}
	got = slices.Collect(f.items(discardLogger()))
	if len(got) != 4 || got[1].StartTime != 250 {
		t.Errorf("Unexpected content after merge: %v", got)
	}
}

func TestEmptyCompressedSegmentIsReadable(t *testing.T) {
	dir := t.TempDir()

	f, err := createArchiveFile(dir, 100, true, 0o640)
	if err != nil {
		t.Fatalf("Failed to create archive file: %v", err)
	}
	if filepath.Base(f.Path) != "archive.100.zst" {
		t.Errorf("Unexpected file name %s", f.Path)
	}

	for _, err := range f.Records() {
		if err != nil {
			t.Errorf("Unexpected error reading empty segment: %v", err)
		}
	}
}

func TestMissingSegmentYieldsError(t *testing.T) {
	f := ArchiveFile{Path: filepath.Join(t.TempDir(), "archive.1")}

	var errs int
	for _, err := range f.Records() {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("Expected 1 error, got %d", errs)
	}
}

func TestReplaceFileCleansUpOnError(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "active")
	if err := os.WriteFile(target, []byte("original\n"), 0o640); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	boom := errors.New("boom")
	err := replaceFile(target, 0o640, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("Failed to read target: %v", err)
	}
	if string(data) != "original\n" {
		t.Errorf("Target modified: %q", data)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if isTempFile(e.Name()) {
			t.Errorf("Temporary file left behind: %s", e.Name())
		}
	}
}
