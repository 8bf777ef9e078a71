package session

import (
	"testing"
	"time"
)

func baseState() State {
	return newState("s1", time.Unix(1000, 0))
}

func TestReduce_AuthSuccess(t *testing.T) {
	next, ok := reduce(baseState(), AuthSuccess{Username: "alice", Method: "password"})
	if !ok {
		t.Fatal("AuthSuccess should apply")
	}
	if next.Auth.Status != AuthAuthenticated {
		t.Errorf("status = %s, want authenticated", next.Auth.Status)
	}
	if next.Auth.Username != "alice" || next.Auth.Method != "password" {
		t.Errorf("auth = %+v", next.Auth)
	}
}

func TestReduce_AuthFailureClearsUsername(t *testing.T) {
	s, _ := reduce(baseState(), AuthSuccess{Username: "alice", Method: "password"})
	next, ok := reduce(s, AuthFailure{Error: "denied", Method: "password"})
	if !ok {
		t.Fatal("AuthFailure should apply")
	}
	if next.Auth.Status != AuthFailed || next.Auth.Username != "" {
		t.Errorf("auth = %+v, want failed with cleared username", next.Auth)
	}
	if next.Auth.ErrorMessage != "denied" {
		t.Errorf("error = %q", next.Auth.ErrorMessage)
	}
}

func TestReduce_EstablishedRequiresAuth(t *testing.T) {
	// Not authenticated: must be ignored.
	next, ok := reduce(baseState(), ConnectionEstablished{ConnectionID: "c1"})
	if ok {
		t.Fatal("CONNECTION_ESTABLISHED without auth should be rejected")
	}
	if next.Conn.Status != ConnIdle {
		t.Errorf("conn status = %s, want idle", next.Conn.Status)
	}
}

func TestReduce_EstablishedRequiresConnectionID(t *testing.T) {
	s, _ := reduce(baseState(), AuthSuccess{Username: "alice", Method: "password"})
	if _, ok := reduce(s, ConnectionEstablished{}); ok {
		t.Error("empty connection id should be rejected")
	}
}

func TestReduce_ConnectedInvariant(t *testing.T) {
	s, _ := reduce(baseState(), AuthSuccess{Username: "alice", Method: "password"})
	s, _ = reduce(s, ConnectionStart{Host: "10.0.0.5", Port: 22})
	s, ok := reduce(s, ConnectionEstablished{ConnectionID: "c1"})
	if !ok {
		t.Fatal("established should apply after auth")
	}
	// connected => connectionId set AND authenticated
	if s.Conn.Status != ConnConnected || s.Conn.ConnectionID == "" || s.Auth.Status != AuthAuthenticated {
		t.Errorf("invariant violated: %+v", s)
	}
}

func TestReduce_ConnectionErrorClearsID(t *testing.T) {
	s, _ := reduce(baseState(), AuthSuccess{Username: "a", Method: "password"})
	s, _ = reduce(s, ConnectionEstablished{ConnectionID: "c1"})
	s, _ = reduce(s, ConnectionError{Error: "reset by peer"})
	if s.Conn.Status != ConnError || s.Conn.ConnectionID != "" {
		t.Errorf("conn = %+v, want error state with no connection id", s.Conn)
	}
}

func TestReduce_ResizeRejectsZero(t *testing.T) {
	if _, ok := reduce(baseState(), TerminalResize{Rows: 0, Cols: 80}); ok {
		t.Error("rows=0 should be rejected")
	}
	if _, ok := reduce(baseState(), TerminalResize{Rows: 24, Cols: -1}); ok {
		t.Error("negative cols should be rejected")
	}
}

func TestReduce_Resize(t *testing.T) {
	next, ok := reduce(baseState(), TerminalResize{Rows: 40, Cols: 120})
	if !ok || next.Term.Rows != 40 || next.Term.Cols != 120 {
		t.Errorf("term = %+v", next.Term)
	}
}

func TestReduce_TerminalInit(t *testing.T) {
	next, ok := reduce(baseState(), TerminalInit{
		Term: "xterm-256color", Rows: 40, Cols: 120,
		Environment: map[string]string{"LANG": "C"},
	})
	if !ok {
		t.Fatal("TerminalInit should apply")
	}
	if next.Term.Term != "xterm-256color" || next.Term.Environment["LANG"] != "C" {
		t.Errorf("term = %+v", next.Term)
	}
}

func TestReduce_TerminalDestroyResetsGeometry(t *testing.T) {
	s, _ := reduce(baseState(), TerminalInit{Term: "vt100", Rows: 50, Cols: 200})
	s, _ = reduce(s, TerminalDestroy{})
	if s.Term.Rows != DefaultRows || s.Term.Cols != DefaultCols || s.Term.Term != "" {
		t.Errorf("term after destroy = %+v", s.Term)
	}
}

func TestReduce_MetadataUpdateIdempotent(t *testing.T) {
	ip := "203.0.113.9"
	a := MetadataUpdate{ClientIP: &ip}
	once, _ := reduce(baseState(), a)
	twice, _ := reduce(once, a)
	if once.Meta.ClientIP != twice.Meta.ClientIP || twice.Meta.ClientIP != ip {
		t.Errorf("metadata not idempotent: %q vs %q", once.Meta.ClientIP, twice.Meta.ClientIP)
	}
	if once.Meta.UserID != twice.Meta.UserID || once.Meta.UserAgent != twice.Meta.UserAgent {
		t.Error("untouched fields changed")
	}
}

func TestReduce_PureNoAliasing(t *testing.T) {
	s := baseState()
	s.Term.Environment["A"] = "1"
	next, _ := reduce(s, TerminalSetEnv{Environment: map[string]string{"B": "2"}})
	if _, ok := s.Term.Environment["B"]; ok {
		t.Error("input state mutated by reducer")
	}
	if next.Term.Environment["B"] != "2" {
		t.Error("env not applied")
	}
}

func TestReduce_ConnectionStartValidation(t *testing.T) {
	if _, ok := reduce(baseState(), ConnectionStart{Host: "", Port: 22}); ok {
		t.Error("empty host should be rejected")
	}
	if _, ok := reduce(baseState(), ConnectionStart{Host: "h", Port: 0}); ok {
		t.Error("port 0 should be rejected")
	}
	if _, ok := reduce(baseState(), ConnectionStart{Host: "h", Port: 70000}); ok {
		t.Error("port > 65535 should be rejected")
	}
}
