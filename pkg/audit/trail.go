package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const maxTrailLine = 1 << 20

// TrailWriter appends signed entries to a JSON-lines file. The file is
// opened with O_APPEND for every batch and never rewritten.
type TrailWriter struct {
	path string
	key  []byte

	mu     sync.Mutex
	last   string
	loaded bool
}

// NewTrailWriter creates a TrailWriter for path, signing with key.
func NewTrailWriter(path string, key []byte) *TrailWriter {
	return &TrailWriter{path: path, key: key}
}

// Path returns the trail file path.
func (w *TrailWriter) Path() string { return w.path }

// Append chains, signs and writes entries in order. On success the
// returned entries carry their signatures. Nothing is written when signing
// fails.
func (w *TrailWriter) Append(entries ...Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.loaded {
		last, err := lastSignature(w.path)
		if err != nil {
			return nil, err
		}
		w.last, w.loaded = last, true
	}

	out := make([]Entry, len(entries))
	var buf []byte
	prev := w.last
	for i, e := range entries {
		e.PrevSignature = prev
		if err := Sign(w.key, &e); err != nil {
			return nil, err
		}
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode entry: %w", err)
		}
		buf = append(append(buf, line...), '\n')
		out[i] = e
		prev = e.Signature
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write audit trail: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync audit trail: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close audit trail: %w", err)
	}
	w.last = prev
	return out, nil
}

func lastSignature(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open audit trail: %w", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTrailLine)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			last = sc.Text()
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read audit trail: %w", err)
	}
	if last == "" {
		return "", nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(last), &e); err != nil {
		return "", fmt.Errorf("decode last audit entry: %w", err)
	}
	return e.Signature, nil
}

// TrailError locates the first entry that failed verification.
type TrailError struct {
	Line int
	Err  error
}

func (e *TrailError) Error() string { return fmt.Sprintf("audit trail line %d: %v", e.Line, e.Err) }

func (e *TrailError) Unwrap() error { return e.Err }

// ErrBrokenChain is returned when an entry does not point at its
// predecessor.
var ErrBrokenChain = errors.New("entry is not chained to its predecessor")

// VerifyTrail checks every entry read from r: its signature and its link
// to the previous entry. It returns the number of valid entries read
// before the first failure.
func VerifyTrail(r io.Reader, key []byte) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxTrailLine)
	n, line := 0, 0
	prev := ""
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return n, &TrailError{Line: line, Err: fmt.Errorf("decode entry: %w", err)}
		}
		if err := Verify(key, e); err != nil {
			return n, &TrailError{Line: line, Err: err}
		}
		if e.PrevSignature != prev {
			return n, &TrailError{Line: line, Err: ErrBrokenChain}
		}
		prev = e.Signature
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read audit trail: %w", err)
	}
	return n, nil
}

// VerifyTrailFile is VerifyTrail over the file at path.
func VerifyTrailFile(path string, key []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audit trail: %w", err)
	}
	defer f.Close()
	return VerifyTrail(f, key)
}

// Verify checks the whole trail file against the writer's key.
func (w *TrailWriter) Verify() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return VerifyTrailFile(w.path, w.key)
}
