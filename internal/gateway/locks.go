package gateway

import (
	"context"
	"sync"
)

// tableLocks hands out one lock per (connection, table). Entries are dropped
// once no caller holds or waits for them.
type tableLocks struct {
	mu    sync.Mutex
	locks map[string]*tableLock
}

// tableLock is held while its channel slot is full.
type tableLock struct {
	slot chan struct{}
	refs int
}

func newTableLocks() *tableLocks {
	return &tableLocks{locks: make(map[string]*tableLock)}
}

// lock waits for the (connection, table) lock or for ctx to end, whichever
// comes first.
func (t *tableLocks) lock(ctx context.Context, connectionID, table string) (unlock func(), err error) {
	key := connectionID + "\x00" + table

	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &tableLock{slot: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
	return func() {
		<-l.slot
		release()
	}, nil
}
