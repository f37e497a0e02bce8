package db

import (
	"context"
	"errors"
	"testing"

	"dashgate/internal/introspect"
)

func TestSessionLifecycle(t *testing.T) {
	conn := &testConn{}
	s := newSession("c1", "postgres", conn)
	ctx := context.Background()

	if s.State() != Connected {
		t.Fatalf("\ngot state %v, wanted connected", s.State())
	}
	if _, err := s.ListTables(ctx); err != nil {
		t.Fatalf("\ngot unexpected error: %v", err)
	}
	if s.State() != Connected {
		t.Errorf("\ngot state %v after introspection, wanted connected", s.State())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("\ngot unexpected close error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("\nsecond close should be a no-op, got %v", err)
	}
	if conn.closed != 1 {
		t.Errorf("\nunderlying conn closed %d times, wanted 1", conn.closed)
	}

	var tests = []struct {
		name string
		call func() error
	}{
		{"ListTables", func() error { _, err := s.ListTables(ctx); return err }},
		{"ListColumns", func() error { _, err := s.ListColumns(ctx, "t"); return err }},
		{"ColumnTypes", func() error { _, err := s.ColumnTypes(ctx, "t"); return err }},
		{"Execute", func() error { _, err := s.Execute(ctx, QuerySpec{Raw: "SELECT 1"}); return err }},
		{"Upsert", func() error { _, err := s.Upsert(ctx, UpsertRequest{Table: "t"}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var ce *ConnectionError
			if !errors.As(err, &ce) || !errors.Is(err, ErrClosed) {
				t.Errorf("\ngot %v, wanted ConnectionError wrapping ErrClosed", err)
			}
		})
	}
	if s.State() != Closed {
		t.Errorf("\ngot state %v, wanted closed", s.State())
	}
}

func TestSessionWrapsBackendErrors(t *testing.T) {
	conn := &testConn{
		execErr: errors.New(`pq: syntax error at or near "SELEC"`),
		upsertFn: func(UpsertRequest) (introspect.SyncResult, error) {
			return introspect.SyncResult{}, errors.New("disk full")
		},
	}
	s := newSession("c1", "postgres", conn)
	defer s.Close()

	_, err := s.Execute(context.Background(), QuerySpec{Raw: "SELEC 1"})
	var qe *QueryExecutionError
	if !errors.As(err, &qe) {
		t.Fatalf("\ngot %T, wanted *QueryExecutionError", err)
	}
	if err.Error() != `pq: syntax error at or near "SELEC"` {
		t.Errorf("\nbackend message not surfaced verbatim: %q", err.Error())
	}

	_, err = s.Upsert(context.Background(), UpsertRequest{Table: "orders"})
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("\ngot %T, wanted *SyncError", err)
	}
	if se.Rejected() {
		t.Errorf("\nbackend failure should not be reported as a rejected batch")
	}
}

func TestSessionKeepsInvalidQueryErrors(t *testing.T) {
	conn := &testConn{execErr: &InvalidQueryError{Engine: "mongodb", Err: errors.New(`"collection" is required`)}}
	s := newSession("c1", "mongodb", conn)
	defer s.Close()

	_, err := s.Execute(context.Background(), QuerySpec{Raw: "{}"})
	var ie *InvalidQueryError
	if !errors.As(err, &ie) {
		t.Fatalf("\ngot %T, wanted *InvalidQueryError", err)
	}
	var qe *QueryExecutionError
	if errors.As(err, &qe) {
		t.Errorf("\ninvalid query should not be reported as an execution failure")
	}
}
