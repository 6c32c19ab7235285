package announcements

import (
	"context"
	"fmt"
	"sync"
)

// Subscription is a live feed of appends plus the stored backlog that
// precedes it. Entries in [cursor, Head) are read with Backlog; entries from
// Head onwards arrive on Updates.
type Subscription struct {
	log     *Log
	cursor  uint64
	head    uint64
	updates chan Announcement
	cancel  func()
}

// Subscribe registers a live subscription starting at cursor. Only the
// registration runs under the append lock; the backlog is paged afterwards.
// The updates channel is closed when ctx ends, when Close is called, or when
// the subscriber falls more than a buffer behind.
func (l *Log) Subscribe(ctx context.Context, cursor uint64) (*Subscription, error) {
	ch := make(chan Announcement, subscriberBuffer)

	l.mu.Lock()
	head, err := l.count()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subMu.Unlock()
	l.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			l.unsubscribe(id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return &Subscription{log: l, cursor: cursor, head: head, updates: ch, cancel: cancel}, nil
}

// Head is the log count at registration.
func (s *Subscription) Head() uint64 { return s.head }

// Updates delivers entries appended after registration.
func (s *Subscription) Updates() <-chan Announcement { return s.updates }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.cancel() }

// Backlog calls fn for every stored entry in [cursor, Head), one page at a
// time. Appends proceed concurrently.
func (s *Subscription) Backlog(ctx context.Context, fn func(Announcement) error) error {
	cursor := s.cursor
	for cursor < s.head {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, next, err := s.log.Page(cursor, MaxPageSize)
		if err != nil {
			return err
		}
		if next <= cursor {
			return fmt.Errorf("announcements: backlog stalled at %d", cursor)
		}
		for _, entry := range page {
			if entry.Index >= s.head {
				return nil
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		cursor = next
	}
	return nil
}

func (l *Log) unsubscribe(id uint64) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.subs[id]; ok {
		delete(l.subs, id)
		close(ch)
	}
}

func (l *Log) publish(entry Announcement) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- entry.Copy():
		default:
			delete(l.subs, id)
			close(ch)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (l *Log) Subscribers() int {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return len(l.subs)
}
