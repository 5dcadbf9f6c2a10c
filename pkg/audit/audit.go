// Package audit writes an append-only, HMAC-chained log of store and
// recovery operations.
//
// Records are JSON lines in one file per month. Each record carries the HMAC
// of the previous one, so deleting, reordering or editing a record breaks
// the chain and is reported by Verify.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Disk space constants
const (
	MinAuditDiskSpace = 1024 * 1024 // 1 MB minimum for audit logs
)

const (
	schemaVersion = 1
	genesis       = "genesis"
	metaFile      = "audit.meta"
	hkdfInfo      = "keyrecover-audit-v1"
)

// Operation types for audit logging
const (
	// Store operations
	OpStoreInit  = "store.init"
	OpItemAdd    = "item.add"
	OpKeysForget = "keys.forget"

	// Recovery session operations
	OpRecoveryStart       = "recovery.start"
	OpRecoveryAttempt     = "recovery.attempt"
	OpRecoveryAccept      = "recovery.accept"
	OpRecoveryForceAccept = "recovery.force_accept"
	OpRecoveryRetry       = "recovery.retry"
	OpRecoveryDismiss     = "recovery.dismiss"
	OpRecoveryFailed      = "recovery.failed"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceAPI = "api"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// ErrNoKey is returned when logging or verifying before SetHMACKey.
var ErrNoKey = errors.New("audit: HMAC key not set")

// Event is a single audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"` // UUIDv7, time ordered
	Timestamp string `json:"ts"` // RFC 3339, nanosecond precision

	Operation string `json:"op"`
	Subject   string `json:"subject,omitempty"` // HMAC of an item ID, never the ID itself
	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result  string         `json:"result"`
	Error   *ErrorInfo     `json:"error,omitempty"`
	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is persisted in audit.meta between processes.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends chained records to the audit directory. It is safe for
// concurrent use.
type Logger struct {
	path      string
	hmacKey   []byte
	mu        sync.Mutex
	sequence  int64
	prevHash  string
	sessionID string
	log       *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) {
		if l != nil {
			a.log = l
		}
	}
}

// NewLogger returns a logger writing to dir. SetHMACKey must be called
// before any record is written.
func NewLogger(dir string, opts ...Option) *Logger {
	l := &Logger{
		path:      dir,
		prevHash:  genesis,
		sessionID: uuid.NewString(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetHMACKey derives the chain key from secret and loads the chain state
// left by earlier processes.
func (l *Logger) SetHMACKey(secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, sha256.Size)
	if _, err := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	state, err := l.loadChainState()
	if err != nil {
		// first run
		l.sequence, l.prevHash = 0, genesis
		return nil
	}
	l.sequence, l.prevHash = state.Sequence, state.PrevHash
	return nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// Log appends a record. subject, when non-empty, is stored as an HMAC.
func (l *Logger) Log(op, source, result, subject string, errInfo *ErrorInfo, ctx map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrNoKey
	}
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	event := Event{
		Version:   schemaVersion,
		ID:        id.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if subject != "" {
		event.Subject = l.sign([]byte(subject))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	mac, err := l.recordHMAC(&event)
	if err != nil {
		return err
	}
	event.Chain.HMAC = mac

	if err := l.writeEvent(&event); err != nil {
		return err
	}

	// Advance only once the record is on disk
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

func (l *Logger) sign(data []byte) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// recordHMAC signs the canonical encoding of event with its own HMAC field
// blank. encoding/json sorts map keys, so the encoding is deterministic.
func (l *Logger) recordHMAC(event *Event) (string, error) {
	e := *event
	e.Chain.HMAC = ""
	data, err := json.Marshal(&e)
	if err != nil {
		return "", fmt.Errorf("audit: failed to encode event: %w", err)
	}
	return l.sign(data), nil
}

// writeEvent appends event to the current month's log file.
func (l *Logger) writeEvent(event *Event) error {
	name := filepath.Join(l.path, time.Now().UTC().Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() (*chainState, error) {
	data, err := os.ReadFile(filepath.Join(l.path, metaFile))
	if err != nil {
		return nil, err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFile), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every record in order and checks sequence numbers, links
// and HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrNoKey
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	prev := genesis
	var seq int64 = 1
	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != seq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", event.ID, seq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != prev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}

		want, err := l.recordHMAC(event)
		if err != nil {
			return nil, err
		}
		if !hmac.Equal([]byte(want), []byte(event.Chain.HMAC)) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		} else {
			result.RecordsVerified++
		}

		prev = event.Chain.HMAC
		seq++
	}
	return result, nil
}

// ListEvents returns events newer than since (zero = all), keeping at most
// the limit most recent ones (0 = no limit).
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, event := range events {
			ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readAll returns every record in chronological order. Monthly file names
// sort chronologically.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		fileEvents, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, sc.Err()
}
