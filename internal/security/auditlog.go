package security

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrChainBroken means the audit log was truncated or edited: an
// entry's hash no longer matches its content and predecessor.
var ErrChainBroken = errors.New("audit log hash chain broken")

// AuditEntry is one line of the append-only audit log. Hash covers the
// entry body plus the previous entry's hash, so any edit or removal
// breaks every later link.
type AuditEntry struct {
	Seq      int64          `json:"seq"`
	Time     time.Time      `json:"time"`
	Kind     string         `json:"kind"` // tool_call, delegation, escalation
	Actor    string         `json:"actor"`
	Detail   map[string]any `json:"detail,omitempty"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
}

// AuditLog is an append-only, hash-chained JSONL file.
type AuditLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastSeq  int64
	lastHash string
	logger   *slog.Logger
}

// OpenAuditLog opens or creates the log and resumes the chain from the
// last valid entry.
func OpenAuditLog(path string, logger *slog.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &AuditLog{path: path, logger: logger.With("component", "audit")}

	entries, err := readEntries(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.lastSeq = entries[n-1].Seq
		l.lastHash = entries[n-1].Hash
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

// Append writes one chained entry. Detail values are redacted before
// they touch disk.
func (l *AuditLog) Append(kind, actor string, detail map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	clean := make(map[string]any, len(detail))
	for k, v := range detail {
		if s, ok := v.(string); ok {
			clean[k] = Redact(s)
		} else {
			clean[k] = v
		}
	}

	entry := AuditEntry{
		Seq:      l.lastSeq + 1,
		Time:     time.Now().UTC(),
		Kind:     kind,
		Actor:    actor,
		Detail:   clean,
		PrevHash: l.lastHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return err
	}
	entry.Hash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	l.lastSeq = entry.Seq
	l.lastHash = entry.Hash
	return nil
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// VerifyAuditLog walks the chain and returns how many entries are
// intact. A broken link yields ErrChainBroken with the failing
// sequence number.
func VerifyAuditLog(path string) (int, error) {
	entries, err := readEntries(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	prevHash := ""
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return i, fmt.Errorf("%w: entry %d predecessor mismatch", ErrChainBroken, e.Seq)
		}
		want := e.Hash
		e.Hash = ""
		got, err := entryHash(e)
		if err != nil {
			return i, err
		}
		if got != want {
			return i, fmt.Errorf("%w: entry %d content altered", ErrChainBroken, e.Seq)
		}
		prevHash = want
	}
	return len(entries), nil
}

// entryHash hashes the entry with Hash cleared, binding it to its
// predecessor via PrevHash.
func entryHash(e AuditEntry) (string, error) {
	e.Hash = ""
	body, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("hash audit entry: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func readEntries(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}
