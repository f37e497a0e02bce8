package db

import (
	"context"
	"sync"

	"dashgate/internal/introspect"
)

// State is a connection lifecycle state.
type State int

const (
	Unconnected State = iota
	Connected
	Introspecting
	Executing
	Reconciling
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Introspecting:
		return "introspecting"
	case Executing:
		return "executing"
	case Reconciling:
		return "reconciling"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Session guards a Conn with the connection state machine. Closed is terminal
// and any call after Close fails with a ConnectionError.
type Session struct {
	id     string
	engine string
	conn   Conn

	mu     sync.Mutex
	state  State
	active int
}

func newSession(id, engine string, conn Conn) *Session {
	return &Session{id: id, engine: engine, conn: conn, state: Connected}
}

// Engine returns the canonical engine name.
func (s *Session) Engine() string { return s.engine }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) begin(op State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return &ConnectionError{Engine: s.engine, ConnectionID: s.id, Err: ErrClosed}
	}
	s.state = op
	s.active++
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 && s.state != Closed {
		s.state = Connected
	}
}

func (s *Session) ListTables(ctx context.Context) ([]string, error) {
	if err := s.begin(Introspecting); err != nil {
		return nil, err
	}
	defer s.end()
	return s.conn.ListTables(ctx)
}

func (s *Session) ListColumns(ctx context.Context, table string) ([]string, error) {
	if err := s.begin(Introspecting); err != nil {
		return nil, err
	}
	defer s.end()
	return s.conn.ListColumns(ctx, table)
}

func (s *Session) ColumnTypes(ctx context.Context, table string) ([]introspect.ColumnType, error) {
	if err := s.begin(Introspecting); err != nil {
		return nil, err
	}
	defer s.end()
	return s.conn.ColumnTypes(ctx, table)
}

// Execute runs q and wraps backend failures in a QueryExecutionError.
// An InvalidQueryError is returned as is.
func (s *Session) Execute(ctx context.Context, q QuerySpec) (introspect.Result, error) {
	if err := s.begin(Executing); err != nil {
		return introspect.Result{}, err
	}
	defer s.end()
	res, err := s.conn.Execute(ctx, q)
	if err != nil {
		switch err.(type) {
		case *QueryExecutionError, *InvalidQueryError:
			return res, err
		}
		return res, &QueryExecutionError{Engine: s.engine, Err: err}
	}
	return res, nil
}

// Upsert runs a reconciliation batch and wraps backend failures in a SyncError.
func (s *Session) Upsert(ctx context.Context, req UpsertRequest) (introspect.SyncResult, error) {
	if err := s.begin(Reconciling); err != nil {
		return introspect.SyncResult{}, err
	}
	defer s.end()
	res, err := s.conn.Upsert(ctx, req)
	if err != nil {
		if _, ok := err.(*SyncError); ok {
			return res, err
		}
		return res, &SyncError{Table: req.Table, Reason: "backend write failed", Err: err}
	}
	return res, nil
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.mu.Unlock()
	return s.conn.Close()
}
