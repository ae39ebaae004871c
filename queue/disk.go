package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"evermem.org/common"
)

// DiskQueue is a durable single-node Queue backed by a directory tree.
// Every document gets its own lane directory; messages are JSON files named
// by a monotonic sequence so lexical order is FIFO order. A lane's lease is
// an advisory lock file created with O_EXCL; a crashed worker leaves the
// lock behind and the next Dequeue reclaims it once the recorded deadline
// passes.
//
// Layout:
//
//	<root>/<lane>/<seq>.json    pending message
//	<root>/<lane>/.lease        outstanding lease (token + deadline)
//	<root>/.poison/<file>.json  dead letters
type DiskQueue struct {
	root        string
	visibility  time.Duration
	maxAttempts int
	now         func() time.Time
}

type diskEnvelope struct {
	Message   Message   `json:"message"`
	NotBefore time.Time `json:"notBefore"`
}

type diskLease struct {
	Token    string    `json:"token"`
	File     string    `json:"file"`
	Deadline time.Time `json:"deadline"`
}

// DiskQueueConfig tunes the disk queue. Zero values fall back to the
// package defaults.
type DiskQueueConfig struct {
	Root              string
	VisibilityTimeout time.Duration
	MaxAttempts       int
}

// NewDiskQueue creates the queue directory if needed and returns a queue
// over it. Messages already on disk from a previous run remain eligible.
func NewDiskQueue(cfg DiskQueueConfig) (*DiskQueue, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk queue root is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, ".poison"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue root %s: %w", cfg.Root, err)
	}
	return &DiskQueue{
		root:        cfg.Root,
		visibility:  cfg.VisibilityTimeout,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}, nil
}

func laneName(msg Message) string {
	return url.PathEscape(msg.Index) + "~" + url.PathEscape(msg.DocumentID)
}

// Enqueue writes the envelope as the next sequence file of its lane.
func (q *DiskQueue) Enqueue(ctx context.Context, msg Message) error {
	lane := filepath.Join(q.root, laneName(msg))
	if err := os.MkdirAll(lane, 0o755); err != nil {
		return fmt.Errorf("failed to create queue lane: %w", err)
	}

	envelope := diskEnvelope{Message: msg, NotBefore: q.now()}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	// Nanosecond timestamp plus a random suffix keeps names unique and
	// lexically ordered within a lane.
	name := fmt.Sprintf("%020d-%s.json", q.now().UnixNano(), uuid.NewString()[:8])
	tmp := filepath.Join(lane, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write queue message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(lane, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize queue message: %w", err)
	}
	return nil
}

// Dequeue scans the lanes for one with a ready head message and no live
// lease, claims it with a lock file, and returns it.
func (q *DiskQueue) Dequeue(ctx context.Context) (Message, Lease, error) {
	lanes, err := os.ReadDir(q.root)
	if err != nil {
		return Message{}, Lease{}, fmt.Errorf("failed to scan queue root: %w", err)
	}

	now := q.now()
	for _, laneEntry := range lanes {
		if !laneEntry.IsDir() || strings.HasPrefix(laneEntry.Name(), ".") {
			continue
		}
		lane := filepath.Join(q.root, laneEntry.Name())

		if held, err := q.laneLeaseHeld(lane, now); err != nil || held {
			continue
		}

		file, envelope, ok := q.headMessage(lane, now)
		if !ok {
			continue
		}

		token := uuid.NewString()
		if !q.claimLane(lane, diskLease{Token: token, File: file, Deadline: now.Add(q.visibility)}) {
			continue // another worker claimed the lane first
		}
		return envelope.Message, NewLease(lane + "\x00" + token), nil
	}
	return Message{}, Lease{}, ErrEmpty
}

// laneLeaseHeld reports whether the lane has a live lease, removing leases
// whose deadline passed (lease expiry is not an attempt).
func (q *DiskQueue) laneLeaseHeld(lane string, now time.Time) (bool, error) {
	leasePath := filepath.Join(lane, ".lease")
	data, err := os.ReadFile(leasePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var lease diskLease
	if err := json.Unmarshal(data, &lease); err != nil {
		// Unreadable lease file: treat as expired.
		os.Remove(leasePath)
		return false, nil
	}
	if now.After(lease.Deadline) {
		common.Logger.Warn("reclaiming expired queue lease in ", lane)
		os.Remove(leasePath)
		return false, nil
	}
	return true, nil
}

// headMessage returns the lexically first ready message file of the lane.
func (q *DiskQueue) headMessage(lane string, now time.Time) (string, diskEnvelope, bool) {
	entries, err := os.ReadDir(lane)
	if err != nil {
		return "", diskEnvelope{}, false
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", diskEnvelope{}, false
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(lane, names[0]))
	if err != nil {
		return "", diskEnvelope{}, false
	}
	var envelope diskEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", diskEnvelope{}, false
	}
	if envelope.NotBefore.After(now) {
		return "", diskEnvelope{}, false
	}
	return names[0], envelope, true
}

// claimLane writes the lease file with O_EXCL as an advisory lock.
func (q *DiskQueue) claimLane(lane string, lease diskLease) bool {
	data, err := json.Marshal(lease)
	if err != nil {
		return false
	}
	f, err := os.OpenFile(filepath.Join(lane, ".lease"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(filepath.Join(lane, ".lease"))
		return false
	}
	return true
}

// loadLease validates the token against the lane's lease file.
func (q *DiskQueue) loadLease(lease Lease) (lane string, dl diskLease, err error) {
	parts := strings.SplitN(lease.Token(), "\x00", 2)
	if len(parts) != 2 {
		return "", diskLease{}, ErrUnknownLease
	}
	lane = parts[0]

	data, err := os.ReadFile(filepath.Join(lane, ".lease"))
	if err != nil {
		return "", diskLease{}, ErrUnknownLease
	}
	if err := json.Unmarshal(data, &dl); err != nil || dl.Token != parts[1] {
		return "", diskLease{}, ErrUnknownLease
	}
	return lane, dl, nil
}

// Ack deletes the message file and releases the lane.
func (q *DiskQueue) Ack(ctx context.Context, lease Lease) error {
	lane, dl, err := q.loadLease(lease)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(lane, dl.File)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove queue message: %w", err)
	}
	os.Remove(filepath.Join(lane, ".lease"))
	q.pruneLane(lane)
	return nil
}

// Nack rewrites the message with an incremented attempt counter and a
// delayed visibility, or moves it to the poison directory once attempts are
// exhausted.
func (q *DiskQueue) Nack(ctx context.Context, lease Lease, delay time.Duration, reason string) error {
	lane, dl, err := q.loadLease(lease)
	if err != nil {
		return err
	}
	msgPath := filepath.Join(lane, dl.File)

	data, err := os.ReadFile(msgPath)
	if err != nil {
		os.Remove(filepath.Join(lane, ".lease"))
		return fmt.Errorf("failed to read queue message: %w", err)
	}
	var envelope diskEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		os.Remove(filepath.Join(lane, ".lease"))
		return fmt.Errorf("failed to decode queue message: %w", err)
	}

	envelope.Message.Attempts++
	if envelope.Message.Attempts > q.maxAttempts {
		dead := DeadLetter{Message: envelope.Message, LastError: reason, PoisonedAt: q.now()}
		deadData, err := json.Marshal(dead)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter: %w", err)
		}
		poisonPath := filepath.Join(q.root, ".poison", filepath.Base(lane)+"-"+dl.File)
		if err := os.WriteFile(poisonPath, deadData, 0o644); err != nil {
			return fmt.Errorf("failed to write dead letter: %w", err)
		}
		os.Remove(msgPath)
		os.Remove(filepath.Join(lane, ".lease"))
		q.pruneLane(lane)
		common.Logger.Error(fmt.Sprintf("message in %s poisoned after %d attempts: %s",
			filepath.Base(lane), envelope.Message.Attempts, reason))
		return nil
	}

	envelope.NotBefore = q.now().Add(delay)
	updated, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := os.WriteFile(msgPath, updated, 0o644); err != nil {
		return fmt.Errorf("failed to rewrite queue message: %w", err)
	}
	os.Remove(filepath.Join(lane, ".lease"))
	return nil
}

// Release rewrites the message with a delayed visibility and attempts
// unchanged, then drops the lane lease.
func (q *DiskQueue) Release(ctx context.Context, lease Lease, delay time.Duration) error {
	lane, dl, err := q.loadLease(lease)
	if err != nil {
		return err
	}
	msgPath := filepath.Join(lane, dl.File)

	data, err := os.ReadFile(msgPath)
	if err != nil {
		os.Remove(filepath.Join(lane, ".lease"))
		return fmt.Errorf("failed to read queue message: %w", err)
	}
	var envelope diskEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		os.Remove(filepath.Join(lane, ".lease"))
		return fmt.Errorf("failed to decode queue message: %w", err)
	}

	envelope.NotBefore = q.now().Add(delay)
	updated, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := os.WriteFile(msgPath, updated, 0o644); err != nil {
		return fmt.Errorf("failed to rewrite queue message: %w", err)
	}
	os.Remove(filepath.Join(lane, ".lease"))
	return nil
}

// pruneLane removes a lane directory once it holds no messages.
func (q *DiskQueue) pruneLane(lane string) {
	entries, err := os.ReadDir(lane)
	if err != nil || len(entries) > 0 {
		return
	}
	os.Remove(lane)
}

// DeadLetters reads the poison directory.
func (q *DiskQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, ".poison"))
	if err != nil {
		return nil, fmt.Errorf("failed to read poison directory: %w", err)
	}
	var out []DeadLetter
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(q.root, ".poison", e.Name()))
		if err != nil {
			continue
		}
		var dead DeadLetter
		if err := json.Unmarshal(data, &dead); err != nil {
			continue
		}
		out = append(out, dead)
	}
	return out, nil
}

// Close is a no-op; all state is on disk.
func (q *DiskQueue) Close() error {
	return nil
}
