package domain

// SessionState is the lifecycle state of a ProxyConnection. It moves in one
// direction per connection attempt and only loops back to Connecting on a
// reconnect or redirect.
type SessionState string

const (
	SessionStateNew            SessionState = "new"
	SessionStateConnecting     SessionState = "connecting"
	SessionStateTLSHandshake   SessionState = "tls-handshake"
	SessionStateAuthenticating SessionState = "authenticating"
	SessionStateDetached       SessionState = "detached"
	SessionStateDisconnecting  SessionState = "disconnecting"
	SessionStateFreed          SessionState = "freed"
)

func (s SessionState) IsTerminal() bool {
	return s == SessionStateFreed
}

// CanTransitionTo enforces the shape of the state machine in §4.C: a session
// may fall back from TLS/auth to Connecting on reconnect or redirect, but
// never re-enter from Detached/Disconnecting/Freed except to progress
// forward toward Freed.
func (s SessionState) CanTransitionTo(target SessionState) bool {
	if s == SessionStateFreed {
		return false
	}
	if target == SessionStateFreed {
		return true
	}

	allowed := map[SessionState][]SessionState{
		SessionStateNew:            {SessionStateConnecting},
		SessionStateConnecting:     {SessionStateTLSHandshake, SessionStateAuthenticating, SessionStateConnecting},
		SessionStateTLSHandshake:   {SessionStateAuthenticating, SessionStateConnecting},
		SessionStateAuthenticating: {SessionStateDetached, SessionStateConnecting, SessionStateTLSHandshake},
		SessionStateDetached:       {SessionStateDisconnecting},
		SessionStateDisconnecting:  {},
	}

	for _, st := range allowed[s] {
		if st == target {
			return true
		}
	}
	return false
}
