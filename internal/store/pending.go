package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Enqueue appends a pending message to the session's queue and wakes any
// iterator waiting on that session. Returns the assigned message id.
func (s *Store) Enqueue(ctx context.Context, msg PendingMessage) (int64, error) {
	if msg.State == "" {
		msg.State = StatePending
	}
	msg.CreatedAt = nowEpochMilli()

	res, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO pending_messages
		 (session_id, kind, tool_name, tool_input, tool_response, cwd,
		  prompt_number, last_user_message, last_assistant_message, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Kind, msg.ToolName, []byte(msg.ToolInput), []byte(msg.ToolResponse),
		msg.CWD, msg.PromptNumber, msg.LastUserMessage, msg.LastAssistantMessage,
		msg.State, msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	s.notifyWaiters(msg.SessionID)
	return id, nil
}

// MarkProcessed transitions the given messages to processed. Messages left
// pending are redelivered by a later iterator.
func (s *Store) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		`UPDATE pending_messages SET state = ? WHERE id IN (?)`, StateProcessed, ids)
	if err != nil {
		return fmt.Errorf("failed to build mark-processed query: %w", err)
	}
	if _, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark messages processed: %w", err)
	}
	return nil
}

// CleanupProcessed retains the most recent keepLast processed messages
// across the whole store and deletes the rest.
func (s *Store) CleanupProcessed(ctx context.Context, keepLast int) error {
	if keepLast < 0 {
		keepLast = 0
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM pending_messages
		 WHERE state = ?
		   AND id NOT IN (
			 SELECT id FROM pending_messages WHERE state = ? ORDER BY id DESC LIMIT ?
		   )`,
		StateProcessed, StateProcessed, keepLast)
	if err != nil {
		return fmt.Errorf("failed to clean up processed messages: %w", err)
	}
	return nil
}

// ListRecentProcessed returns the newest processed messages for viewer display.
func (s *Store) ListRecentProcessed(ctx context.Context, limit int) ([]PendingMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	messages := []PendingMessage{}
	err := s.pool.Reader().SelectContext(ctx, &messages,
		`SELECT * FROM pending_messages WHERE state = ? ORDER BY id DESC LIMIT ?`,
		StateProcessed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed messages: %w", err)
	}
	return messages, nil
}

// CountPending returns the number of undelivered messages for a session.
func (s *Store) CountPending(ctx context.Context, sessionID int64) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pending_messages WHERE session_id = ? AND state = ?`,
		sessionID, StatePending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// IteratePending yields the session's pending messages in insertion order
// on the returned channel. When the backlog is drained it blocks until a
// new message is enqueued or ctx is cancelled; cancellation closes the
// channel. Messages already yielded by this iterator are not yielded again,
// but messages never marked processed reappear in a later iterator.
func (s *Store) IteratePending(ctx context.Context, sessionID int64) <-chan PendingMessage {
	out := make(chan PendingMessage)
	wake := s.registerWaiter(sessionID)

	go func() {
		defer close(out)
		defer s.unregisterWaiter(sessionID, wake)

		var lastYielded int64
		for {
			batch, err := s.pendingAfter(ctx, sessionID, lastYielded)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Pending queue read failed",
						zap.Int64("db_session_id", sessionID),
						zap.Error(err))
				}
				return
			}

			for _, msg := range batch {
				select {
				case out <- msg:
					lastYielded = msg.ID
				case <-ctx.Done():
					return
				}
			}

			if len(batch) == 0 {
				select {
				case <-wake:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (s *Store) pendingAfter(ctx context.Context, sessionID, afterID int64) ([]PendingMessage, error) {
	messages := []PendingMessage{}
	err := s.pool.Reader().SelectContext(ctx, &messages,
		`SELECT * FROM pending_messages
		 WHERE session_id = ? AND state = ? AND id > ?
		 ORDER BY id ASC`,
		sessionID, StatePending, afterID)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) registerWaiter(sessionID int64) chan struct{} {
	wake := make(chan struct{}, 1)
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	if s.waiters[sessionID] == nil {
		s.waiters[sessionID] = make(map[chan struct{}]struct{})
	}
	s.waiters[sessionID][wake] = struct{}{}
	return wake
}

func (s *Store) unregisterWaiter(sessionID int64, wake chan struct{}) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	if set, ok := s.waiters[sessionID]; ok {
		delete(set, wake)
		if len(set) == 0 {
			delete(s.waiters, sessionID)
		}
	}
}

func (s *Store) notifyWaiters(sessionID int64) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	for wake := range s.waiters[sessionID] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
