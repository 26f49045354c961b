package keychain

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// enqueue adds op to the pending batch, replacing an earlier op of the same id,
// and schedules an automatic flush.
func (s *Store) enqueue(id string, op pendingOp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	op.seq = s.seq
	s.pending[id] = op

	if s.timer == nil && s.persister != nil {
		s.timer = time.AfterFunc(s.cfg.FlushDelay, s.autoFlush)
	}
}

func (s *Store) autoFlush() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	if err := s.Flush(context.Background()); err != nil {
		Logger.Errorf("automatic keychain flush failed: %v", err)
	}
}

// Pending returns the number of changes waiting to be flushed
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush persists all pending changes with one call to the persister.
// Nothing pending means no call. A failed call is retried Config.RetryCount times,
// after that the changes are queued again (unless they were superseded meanwhile)
// and the last error is returned.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.persister == nil {
		return ErrNoPersister
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]pendingOp)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	update := buildUpdate(batch)
	start := time.Now()
	defer s.tel.Since("keychain.flush", start)

	err := s.persist(ctx, update)
	if err == nil {
		s.tel.Counter("dsync_keychain_flushes_total").Inc()
		Logger.Debugf("flushed keychain (%d set, %d removed)", len(update.Set), len(update.Remove))
		return nil
	}

	s.tel.Counter("dsync_keychain_flush_failures_total").Inc()
	s.requeue(batch)
	return fmt.Errorf("keychain: persisting %d changes: %w", len(batch), err)
}

// persist calls the persister, retrying Config.RetryCount times
func (s *Store) persist(ctx context.Context, update Update) error {
	var err error
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			s.tel.Counter("dsync_keychain_flush_retries_total").Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryBackoff):
			}
		}

		if err = s.persister.UpdateKeychain(ctx, update); err == nil {
			return nil
		}
		Logger.Warningf("keychain flush attempt %d/%d failed: %v", attempt+1, s.cfg.RetryCount+1, err)
	}
	return err
}

// requeue puts a failed batch back. Ops that were superseded while the flush ran are dropped,
// the others keep their (lower) sequence number and are therefore sent first next time.
// Another automatic flush is scheduled, so the batch does not wait for the next change.
func (s *Store) requeue(batch map[string]pendingOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, op := range batch {
		if _, newer := s.pending[id]; newer {
			continue
		}
		s.pending[id] = op
	}

	if s.timer == nil && s.persister != nil && !s.closed.Load() {
		s.timer = time.AfterFunc(max(s.cfg.FlushDelay, s.cfg.RetryBackoff), s.autoFlush)
	}
}

// buildUpdate converts a batch into an Update, ops are ordered by their sequence number
func buildUpdate(batch map[string]pendingOp) Update {
	ops := make([]pendingOp, 0, len(batch))
	for _, op := range batch {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].seq < ops[j].seq })

	var update Update
	for _, op := range ops {
		if op.remove {
			update.Remove = append(update.Remove, ValueToRemove{Key: op.set.Key, Type: op.set.Type})
		} else {
			update.Set = append(update.Set, op.set)
		}
	}
	return update
}
