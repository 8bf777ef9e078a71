package session

// reduce applies one action to a state copy and reports whether the
// transition was legal. It is pure: no I/O, no clock, no logging. Illegal
// transitions return the input state unchanged with ok=false; the store
// logs them at warn level and moves on.
func reduce(s State, a Action) (next State, ok bool) {
	next = s.clone()

	switch act := a.(type) {
	case AuthSuccess:
		next.Auth = Auth{Status: AuthAuthenticated, Username: act.Username, Method: act.Method}
		return next, true

	case AuthFailure:
		next.Auth = Auth{Status: AuthFailed, Method: act.Method, ErrorMessage: act.Error}
		return next, true

	case AuthClear:
		next.Auth = Auth{Status: AuthIdle}
		return next, true

	case ConnectionStart:
		if act.Host == "" || act.Port < 1 || act.Port > 65535 {
			return s, false
		}
		next.Conn = Conn{Status: ConnConnecting, Host: act.Host, Port: act.Port}
		return next, true

	case ConnectionEstablished:
		// A connection may only bind to an authenticated session, and the
		// binding must name a connection.
		if s.Auth.Status != AuthAuthenticated || act.ConnectionID == "" {
			return s, false
		}
		next.Conn.Status = ConnConnected
		next.Conn.ConnectionID = act.ConnectionID
		next.Conn.ErrorMessage = ""
		return next, true

	case ConnectionError:
		next.Conn.Status = ConnError
		next.Conn.ConnectionID = ""
		next.Conn.ErrorMessage = act.Error
		return next, true

	case ConnectionClosed:
		next.Conn.Status = ConnClosed
		next.Conn.ConnectionID = ""
		return next, true

	case TerminalResize:
		if act.Rows < 1 || act.Cols < 1 {
			return s, false
		}
		next.Term.Rows = act.Rows
		next.Term.Cols = act.Cols
		return next, true

	case TerminalSetEnv:
		env := make(map[string]string, len(act.Environment))
		for k, v := range act.Environment {
			env[k] = v
		}
		next.Term.Environment = env
		return next, true

	case TerminalInit:
		if act.Rows < 1 || act.Cols < 1 {
			return s, false
		}
		env := make(map[string]string, len(act.Environment))
		for k, v := range act.Environment {
			env[k] = v
		}
		next.Term = Term{Term: act.Term, Rows: act.Rows, Cols: act.Cols, Environment: env}
		return next, true

	case TerminalDestroy:
		next.Term = Term{Rows: DefaultRows, Cols: DefaultCols, Environment: map[string]string{}}
		return next, true

	case MetadataUpdate:
		if act.UserID != nil {
			next.Meta.UserID = *act.UserID
		}
		if act.ClientIP != nil {
			next.Meta.ClientIP = *act.ClientIP
		}
		if act.UserAgent != nil {
			next.Meta.UserAgent = *act.UserAgent
		}
		return next, true
	}

	return s, false
}
