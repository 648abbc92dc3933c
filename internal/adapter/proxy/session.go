package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/thushan/loginproxy/internal/adapter/proxy/pop3"
	"github.com/thushan/loginproxy/internal/core/domain"
	"github.com/thushan/loginproxy/internal/logger"
)

// Session drives one accepted client connection end to end: it owns the
// ProxyConnection's Connect/StartTLS/redirect lifecycle up to Detach, and
// adapts it to whatever ProtocolDriver the listener selected. It exists
// because ProxyConnection knows nothing about line-based protocols, and the
// driver knows nothing about dialing, TLS or redirects.
type Session struct {
	pc  *domain.ProxyConnection
	log *logger.StyledLogger

	newDriver func(conn pop3.Conn) *pop3.Driver

	// onDetached fires once the driver hands off to the byte pump, so the
	// caller can link the session into the Manager's detached/by-user sets.
	onDetached func(*domain.ProxyConnection)

	redirected bool
}

// NewSession builds a session around an already-constructed ProxyConnection.
// newDriver is called once per connect attempt (including after a redirect)
// since a Driver has no way to reset itself back to the banner state.
func NewSession(pc *domain.ProxyConnection, log *logger.StyledLogger, newDriver func(conn pop3.Conn) *pop3.Driver, onDetached func(*domain.ProxyConnection)) *Session {
	return &Session{pc: pc, log: log, newDriver: newDriver, onDetached: onDetached}
}

// Run connects the backend and pumps server lines through the protocol
// driver until the session detaches, fails, or exhausts its redirect chain.
// It returns once the driver has handed off to the byte pump or the session
// has been freed. Run tears the session down itself only when reading from
// the backend fails (through Fail); all other teardown happens in fail() and
// Detach().
func (s *Session) Run(ctx context.Context) {
	if s.log != nil {
		s.log.InfoWithEndpoint("connecting session to", s.pc.Destination().String())
	}
	s.pc.Connect(ctx)

	for {
		if s.pc.State() != domain.SessionStateAuthenticating {
			return
		}

		s.redirected = false
		driver := s.newDriver(s)
		s.pc.SetDriverStateProvider(func() string { return driver.State().String() })

		if err := s.pumpLines(driver); err != nil {
			s.pc.Fail(domain.FailureRemote, err.Error())
			return
		}
		if s.redirected {
			// RedirectFinish already redialed synchronously inside
			// Redirect(); loop back around to drive the new banner.
			continue
		}
		if s.pc.State() == domain.SessionStateDetached && s.onDetached != nil {
			s.onDetached(s.pc)
		}
		return
	}
}

// pumpLines reads CRLF-terminated lines from the current backend socket and
// feeds them to driver until it reports done.
func (s *Session) pumpLines(driver *pop3.Driver) error {
	var reader *bufio.Reader
	var current net.Conn

	for {
		conn := s.pc.ServerConn()
		if conn == nil {
			return fmt.Errorf("backend connection closed")
		}
		if conn != current {
			current = conn
			reader = bufio.NewReader(conn)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		done, err := driver.HandleLine(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ServerWriter satisfies pop3.Conn. It resolves the live backend socket on
// every write so it keeps working across a mid-session TLS upgrade.
func (s *Session) ServerWriter() *bufio.Writer {
	return bufio.NewWriter(connForwarder{get: s.pc.ServerConn})
}

// ClientWriter satisfies pop3.Conn, writing to the already-accepted client
// socket loaned to the session.
func (s *Session) ClientWriter() *bufio.Writer {
	return bufio.NewWriter(connForwarder{get: s.pc.ClientConn})
}

// StartTLS satisfies pop3.Conn: it runs the (synchronous) handshake and
// reports failure by checking whether the session reached Authenticating.
// A handshake error has already run through fail()/FreeFull by the time
// this returns, via ProxyConnection.StartTLS.
func (s *Session) StartTLS() error {
	s.pc.StartTLS(context.Background())
	if s.pc.State() != domain.SessionStateAuthenticating {
		return fmt.Errorf("tls handshake did not complete")
	}
	return nil
}

// Detach satisfies pop3.Conn, hitting ProxyConnection's Detach and
// discarding the IoStreamProxy handle the driver has no use for.
func (s *Session) Detach() error {
	_, err := s.pc.Detach()
	return err
}

// Redirect satisfies pop3.Conn: it records that this termination was a
// redirect (not a failure) before handing off to RedirectFinish, which
// redials synchronously.
func (s *Session) Redirect(ip string, port int) {
	s.redirected = true
	s.pc.RedirectFinish(ip, port)
}

// Fail satisfies pop3.Conn, forwarding to the session's terminal failure
// path.
func (s *Session) Fail(t domain.FailureType, reason string) {
	if s.log != nil {
		s.log.ErrorWithEndpoint("session failed against", s.pc.Destination().String(), "type", t.String(), "reason", reason)
	}
	s.pc.Fail(t, reason)
}

// connForwarder is an io.Writer that re-resolves its destination connection
// on every write, so a bufio.Writer built over it survives the backend
// socket being swapped out from under it (the StartTLS upgrade).
type connForwarder struct {
	get func() net.Conn
}

func (w connForwarder) Write(p []byte) (int, error) {
	conn := w.get()
	if conn == nil {
		return 0, io.ErrClosedPipe
	}
	return conn.Write(p)
}
