// Package relay routes datagrams through a mailbox service when peers cannot
// reach each other directly.
package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrMailboxFull   = errors.New("relay: mailbox full")
	ErrBatchTooLarge = errors.New("relay: batch too large")
)

// Store is the relay service as seen by a client: one mailbox per peer.
type Store interface {
	Put(ctx context.Context, mailbox string, envelope []byte) error
	// Take removes and returns everything in mailbox, oldest first.
	Take(ctx context.Context, mailbox string) ([][]byte, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	boxes     map[string][][]byte
	perBoxCap int
}

// NewMemoryStore returns a store holding at most perBoxCap envelopes per
// mailbox; perBoxCap <= 0 means unbounded.
func NewMemoryStore(perBoxCap int) *MemoryStore {
	return &MemoryStore{boxes: make(map[string][][]byte), perBoxCap: perBoxCap}
}

func (s *MemoryStore) Put(ctx context.Context, mailbox string, envelope []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.boxes[mailbox]
	if s.perBoxCap > 0 && len(box) >= s.perBoxCap {
		return ErrMailboxFull
	}
	s.boxes[mailbox] = append(box, append([]byte(nil), envelope...))
	return nil
}

func (s *MemoryStore) Take(ctx context.Context, mailbox string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.boxes[mailbox]
	delete(s.boxes, mailbox)
	return box, nil
}

// Len reports the number of envelopes waiting in mailbox.
func (s *MemoryStore) Len(mailbox string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes[mailbox])
}
