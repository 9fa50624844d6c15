package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrChainBroken is returned by VerifyJournal when an entry does not link to
// its predecessor or its own hash is wrong.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Entry is one line of a journal.
type Entry struct {
	*Event
	PreviousHash string `json:"previous_hash,omitempty"`
	EventHash    string `json:"event_hash"`
}

// Journal appends hash-chained events to a JSONL file. Every Log is synced
// before it returns.
type Journal struct {
	path     string
	file     *os.File
	writer   *bufio.Writer
	lastHash string
	count    int64
	mu       sync.Mutex
}

// OpenJournal opens path for appending, continuing the chain of any
// existing entries.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	last, count, err := scanJournal(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}

	return &Journal{
		path:     path,
		file:     file,
		writer:   bufio.NewWriter(file),
		lastHash: last,
		count:    count,
	}, nil
}

// Log appends event to the journal.
func (j *Journal) Log(event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return os.ErrClosed
	}

	fill(event)
	entry := &Entry{Event: event, PreviousHash: j.lastHash}
	hash, err := entryHash(entry)
	if err != nil {
		return err
	}
	entry.EventHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit journal: %w", err)
	}

	j.lastHash = hash
	j.count++
	return nil
}

// GetEventCount returns the number of entries in the journal.
func (j *Journal) GetEventCount() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// VerifyJournal walks the chain in path and returns the number of valid
// entries.
func VerifyJournal(path string) (int64, error) {
	_, count, err := scanJournal(path)
	return count, err
}

func scanJournal(path string) (last string, count int64, retErr error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()
	return verifyChain(file)
}

func verifyChain(r io.Reader) (string, int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var previous string
	var n int64
	for scanner.Scan() {
		n++
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return previous, n - 1, fmt.Errorf("line %d: failed to parse entry: %w", n, err)
		}
		if entry.Event == nil || entry.PreviousHash != previous {
			return previous, n - 1, fmt.Errorf("line %d: %w", n, ErrChainBroken)
		}
		want := entry.EventHash
		entry.EventHash = ""
		got, err := entryHash(&entry)
		if err != nil {
			return previous, n - 1, err
		}
		if got != want {
			return previous, n - 1, fmt.Errorf("line %d: %w", n, ErrChainBroken)
		}
		previous = want
	}
	if err := scanner.Err(); err != nil {
		return previous, n, err
	}
	return previous, n, nil
}

// entryHash hashes e with its EventHash cleared.
func entryHash(e *Entry) (string, error) {
	c := *e
	c.EventHash = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
