package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/localstore"
)

// JournalRetention bounds how long a nonce can replay its order.
const JournalRetention = 7 * 24 * time.Hour

// submission is what the device remembers about a checkout it sent. A
// resubmitted nonce resolves to the same order even after the cart was
// cleared.
type submission struct {
	IdempotencyKey string    `json:"idempotency_key"`
	OrderID        string    `json:"order_id"`
	LocalRevision  int64     `json:"local_revision"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// journal persists submissions in the local store. A nil kv disables it.
type journal struct {
	kv  localstore.Store
	now func() time.Time
	mu  sync.Mutex
}

func (j *journal) find(ctx context.Context, userID, nonce string) (submission, bool, error) {
	if j.kv == nil || nonce == "" {
		return submission{}, false, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(ctx, userID)
	if err != nil {
		return submission{}, false, err
	}
	s, ok := entries[nonce]
	if !ok || j.now().Sub(s.SubmittedAt) > JournalRetention {
		return submission{}, false, nil
	}
	return s, true, nil
}

// record stores s under nonce and drops expired entries.
func (j *journal) record(ctx context.Context, userID, nonce string, s submission) error {
	if j.kv == nil || nonce == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(ctx, userID)
	if err != nil {
		return err
	}
	now := j.now()
	for n, e := range entries {
		if now.Sub(e.SubmittedAt) > JournalRetention {
			delete(entries, n)
		}
	}
	entries[nonce] = s

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode checkout journal: %w", err)
	}
	if err := j.kv.Put(ctx, localstore.CheckoutKey(userID), data); err != nil {
		return fmt.Errorf("%w: save checkout journal: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (j *journal) load(ctx context.Context, userID string) (map[string]submission, error) {
	data, err := j.kv.Get(ctx, localstore.CheckoutKey(userID))
	if errors.Is(err, localstore.ErrNotFound) {
		return map[string]submission{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load checkout journal: %v", domain.ErrPersistence, err)
	}
	entries := map[string]submission{}
	if err := json.Unmarshal(data, &entries); err != nil {
		// replaced by the next record
		return map[string]submission{}, nil
	}
	return entries, nil
}
