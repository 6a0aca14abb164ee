package order

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"execution-core/pkg/logger"
)

// ReviewEntry is an order whose fate could not be established: the call may
// have reached the exchange and no lookup proved otherwise. It is never
// retried automatically.
type ReviewEntry struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Broker    string    `json:"broker"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Qty       string    `json:"qty"`
	ClientID  string    `json:"client_id"`
	IntentKey string    `json:"intent_key"`
	Nonce     int64     `json:"nonce"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

type reviewRecord struct {
	Action string      `json:"action"` // ESCALATE or RESOLVE
	Entry  ReviewEntry `json:"entry"`
	Note   string      `json:"note,omitempty"`
}

// ReviewLog is an append-only JSON-lines file of escalations and operator
// resolutions.
type ReviewLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func OpenReviewLog(path string) (*ReviewLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create review log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open review log: %w", err)
	}
	return &ReviewLog{path: path, file: f}, nil
}

// Escalate appends an entry and fsyncs before returning.
func (r *ReviewLog) Escalate(e ReviewEntry) error {
	if e.ID == "" {
		e.ID = e.ClientID
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := r.append(reviewRecord{Action: "ESCALATE", Entry: e}); err != nil {
		return err
	}
	logger.Errorf("manual review required: account=%s broker=%s symbol=%s client_id=%s: %s",
		e.Account, e.Broker, e.Symbol, e.ClientID, e.Error)
	return nil
}

// Resolve marks an escalation as handled by an operator.
func (r *ReviewLog) Resolve(id, note string) error {
	return r.append(reviewRecord{Action: "RESOLVE", Entry: ReviewEntry{ID: id, At: time.Now()}, Note: note})
}

func (r *ReviewLog) append(rec reviewRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal review record: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("review log closed")
	}
	if _, err := r.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write review log: %w", err)
	}
	return r.file.Sync()
}

// Pending returns escalations without a matching resolution, oldest first.
func (r *ReviewLog) Pending() ([]ReviewEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var order []string
	open := make(map[string]ReviewEntry)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec reviewRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logger.Warnf("review log parse error (skipping): %v", err)
			continue
		}
		switch rec.Action {
		case "ESCALATE":
			if _, seen := open[rec.Entry.ID]; !seen {
				order = append(order, rec.Entry.ID)
			}
			open[rec.Entry.ID] = rec.Entry
		case "RESOLVE":
			delete(open, rec.Entry.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan review log: %w", err)
	}
	out := make([]ReviewEntry, 0, len(open))
	for _, id := range order {
		if e, ok := open[id]; ok {
			out = append(out, e)
			delete(open, id)
		}
	}
	return out, nil
}

func (r *ReviewLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
