package taskcache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	activeFilename  = "active"
	archivePrefix   = "archive."
	stateFilename   = "state"
	lockFilename    = ".lock"
	journalFilename = "journal"
	zstdExtension   = ".zst"
)

// maxLineSize bounds a single encoded record.
const maxLineSize = 1 << 20

// ArchiveFile is one rotated archive segment.
type ArchiveFile struct {
	// Path of the segment.
	Path string
	// Compressed is true for zstd compressed segments.
	Compressed bool
	// StartTime is the lowest start time stored in this segment.
	StartTime int64
}

// parseArchiveFilename recognizes archive.<starttime> and
// archive.<starttime>.zst.
func parseArchiveFilename(path string) (ArchiveFile, bool) {
	name := filepath.Base(path)
	rest, ok := strings.CutPrefix(name, archivePrefix)
	if !ok {
		return ArchiveFile{}, false
	}

	compressed := false
	if trimmed, ok := strings.CutSuffix(rest, zstdExtension); ok {
		rest = trimmed
		compressed = true
	}

	start, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return ArchiveFile{}, false
	}

	return ArchiveFile{Path: path, Compressed: compressed, StartTime: start}, true
}

func archiveFilename(dir string, start int64, compressed bool) string {
	name := archivePrefix + strconv.FormatInt(start, 10)
	if compressed {
		name += zstdExtension
	}
	return filepath.Join(dir, name)
}

type decodedFile struct {
	*zstd.Decoder
	f *os.File
}

func (d decodedFile) Close() error {
	d.Decoder.Close()
	return d.f.Close()
}

// open returns a reader over the decoded segment contents.
func (a ArchiveFile) open() (io.ReadCloser, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file %s: %w", a.Path, err)
	}
	if !a.Compressed {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create zstd decoder for %s: %w", a.Path, err)
	}
	return decodedFile{Decoder: dec, f: f}, nil
}

// Records returns a lazy sequence over the segment's records. Every call
// reopens the file, so the sequence can be ranged over more than once. A
// failure to open the file is reported as the sole error of the sequence.
func (a ArchiveFile) Records() iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		rc, err := a.open()
		if err != nil {
			yield(Item{}, err)
			return
		}
		defer rc.Close()

		for item, err := range readRecords(rc) {
			if !yield(item, err) {
				return
			}
		}
	}
}

// items is like Records but logs and skips unreadable records.
func (a ArchiveFile) items(logger *slog.Logger) iter.Seq[Item] {
	return skipErrors(a.Records(), logger, "could not read task from archive file", "path", a.Path)
}

// readRecords decodes one JSON record per line. Blank lines are ignored, a
// malformed line yields an error and iteration continues with the next line.
func readRecords(r io.Reader) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var item Item
			if err := json.Unmarshal(line, &item); err != nil {
				if !yield(Item{}, fmt.Errorf("failed to decode task record: %w", err)) {
					return
				}
				continue
			}
			if !yield(item, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(Item{}, fmt.Errorf("failed to read task records: %w", err))
		}
	}
}

func skipErrors(seq iter.Seq2[Item, error], logger *slog.Logger, msg string, args ...any) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for item, err := range seq {
			if err != nil {
				logger.Error(msg, append(args, "error", err)...)
				continue
			}
			if !yield(item) {
				return
			}
		}
	}
}

// writeItems encodes items as JSON lines.
func writeItems(w io.Writer, items iter.Seq[Item]) error {
	enc := json.NewEncoder(w)
	for item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to encode task %s: %w", item.UPID, err)
		}
	}
	return nil
}

// compressedWriter wraps w in a zstd encoder. The returned finish function
// must be called to flush the final frame.
func compressedWriter(w io.Writer) (io.Writer, func() error, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc, enc.Close, nil
}

// createArchiveFile creates an empty segment. Compressed segments contain an
// empty zstd frame.
func createArchiveFile(dir string, start int64, compress bool, perm os.FileMode) (ArchiveFile, error) {
	path := archiveFilename(dir, start, compress)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return ArchiveFile{}, fmt.Errorf("failed to create archive file %s: %w", path, err)
	}

	if compress {
		enc, err := zstd.NewWriter(f)
		if err == nil {
			err = enc.Close()
		}
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return ArchiveFile{}, fmt.Errorf("failed to initialize compressed archive %s: %w", path, err)
		}
	}

	if err := f.Close(); err != nil {
		return ArchiveFile{}, fmt.Errorf("failed to close archive file %s: %w", path, err)
	}

	return ArchiveFile{Path: path, Compressed: compress, StartTime: start}, nil
}

// compress rewrites an uncompressed segment as archive.<start>.zst and
// removes the original.
func (a *ArchiveFile) compress(perm os.FileMode) error {
	if a.Compressed {
		return nil
	}

	src, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("failed to open uncompressed file: %w", err)
	}
	defer src.Close()

	target := archiveFilename(filepath.Dir(a.Path), a.StartTime, true)
	err = replaceFile(target, perm, func(w io.Writer) error {
		zw, finish, err := compressedWriter(w)
		if err != nil {
			return err
		}
		if _, err := io.Copy(zw, src); err != nil {
			return fmt.Errorf("failed to compress %s: %w", a.Path, err)
		}
		return finish()
	})
	if err != nil {
		return err
	}

	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove uncompressed archive file: %w", err)
	}

	a.Path = target
	a.Compressed = true
	return nil
}
