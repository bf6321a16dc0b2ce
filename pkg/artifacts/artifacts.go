package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/forge/pkg/types"
)

// Kind distinguishes the artifact classes, each with its own size cap.
type Kind string

const (
	KindSource Kind = "source"
	KindCerts  Kind = "certs"
	KindResult Kind = "result"
)

const copyChunkSize = 256 * 1024

// Limits holds the per-kind size caps in bytes.
type Limits struct {
	Source int64
	Certs  int64
	Result int64
}

func (l Limits) forKind(kind Kind) int64 {
	switch kind {
	case KindSource:
		return l.Source
	case KindCerts:
		return l.Certs
	case KindResult:
		return l.Result
	}
	return 0
}

// Store is a filesystem-backed artifact store. Every build gets its own
// subdirectory under root; writes go to a temp file and are renamed into
// place only once the stream completed under its size cap.
type Store struct {
	root   string
	limits Limits
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string, limits Limits) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Store{root: abs, limits: limits}, nil
}

// Put streams r to disk as <root>/<buildID>/<name>, enforcing the size cap
// for kind while the stream is in flight. On overrun the partial file is
// removed and types.ErrSizeExceeded returned. Returns the final path and
// the number of bytes written.
func (s *Store) Put(ctx context.Context, kind Kind, buildID, name string, r io.Reader) (string, int64, error) {
	if err := validSegment(buildID); err != nil {
		return "", 0, err
	}
	if err := validSegment(name); err != nil {
		return "", 0, err
	}

	limit := s.limits.forKind(kind)
	if limit <= 0 {
		return "", 0, fmt.Errorf("unknown artifact kind %q", kind)
	}

	dir := filepath.Join(s.root, buildID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create build directory: %w", err)
	}

	final := filepath.Join(dir, name)
	tmp := fmt.Sprintf("%s.tmp.%d", final, os.Getpid())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	written, err := copyCapped(ctx, f, r, limit)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to close artifact: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return final, written, nil
}

// copyCapped copies in fixed-size chunks so cancellation and the size cap
// are both observed at chunk boundaries, never after buffering a whole file.
func copyCapped(ctx context.Context, dst io.Writer, src io.Reader, limit int64) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > limit {
				return written, types.ErrSizeExceeded
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write artifact: %w", werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read artifact stream: %w", rerr)
		}
	}
}

// Open returns a reader over a previously stored artifact along with its
// size. The path must resolve inside the storage root.
func (s *Store) Open(path string) (io.ReadCloser, int64, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(resolved)
	if os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("artifact %s: %w", path, types.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// DeleteBuildFiles removes every artifact stored for the build. Best-effort:
// a missing directory is not an error.
func (s *Store) DeleteBuildFiles(buildID string) error {
	if err := validSegment(buildID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, buildID)); err != nil {
		return fmt.Errorf("failed to delete artifacts for build %s: %w", buildID, err)
	}
	return nil
}

// resolve rejects any path that escapes the storage root.
func (s *Store) resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid artifact path %q: %w", path, err)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes storage root", path)
	}
	return abs, nil
}

func validSegment(seg string) error {
	if seg == "" || seg == "." || seg == ".." ||
		strings.ContainsAny(seg, `/\`) {
		return fmt.Errorf("invalid path segment %q", seg)
	}
	return nil
}
