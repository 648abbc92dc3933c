package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/thushan/loginproxy/internal/util"
)

// peekedConn wraps a net.Conn whose first bytes were already consumed into
// a bufio.Reader, so anything still buffered (a client that pipelined past
// USER/PASS before the proxy detached) is replayed before falling through
// to the raw socket. Without this, the byte pump reading directly off the
// underlying conn would silently drop whatever the capture phase had
// already buffered ahead of its own reads.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// loginCapture is what the frontend reads off the client before a backend
// destination is even chosen: the virtual user and password the client
// asserts, standing in for the passdb lookup a real Dovecot auth process
// would perform. The backend's own reply to these credentials is the only
// authentication check this proxy makes.
type loginCapture struct {
	realIP   string // asserted by a trusted upstream proxy via REALIP, if any
	username string
	password string
}

// captureLogin sends a POP3 banner, optionally accepts a REALIP line from a
// trusted peer, then reads USER/PASS. USER is acknowledged locally; PASS
// gets no local reply. It
// returns the captured credentials and a conn ready for the backend-auth
// phase, with any read-ahead bytes preserved.
func captureLogin(conn net.Conn, trustedCIDRs []*net.IPNet) (*loginCapture, net.Conn, error) {
	reader := bufio.NewReader(conn)
	wrapped := &peekedConn{Conn: conn, r: reader}

	if _, err := conn.Write([]byte("+OK POP3 login proxy ready\r\n")); err != nil {
		return nil, nil, fmt.Errorf("writing banner: %w", err)
	}

	lc := &loginCapture{}

	if len(trustedCIDRs) > 0 && peerIsTrusted(conn, trustedCIDRs) {
		line, err := readCRLFLine(reader)
		if err != nil {
			return nil, nil, fmt.Errorf("reading first line: %w", err)
		}
		if rest, ok := cutPrefix(line, "REALIP "); ok {
			lc.realIP = strings.TrimSpace(rest)
		} else {
			// Not a REALIP assertion after all; treat it as the USER line.
			if err := handleUserLine(conn, line, lc); err != nil {
				return nil, nil, err
			}
			if err := readPassLine(conn, reader, lc); err != nil {
				return nil, nil, err
			}
			return lc, wrapped, nil
		}
	}

	userLine, err := readCRLFLine(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading USER: %w", err)
	}
	if err := handleUserLine(conn, userLine, lc); err != nil {
		return nil, nil, err
	}
	if err := readPassLine(conn, reader, lc); err != nil {
		return nil, nil, err
	}

	return lc, wrapped, nil
}

func handleUserLine(conn net.Conn, line string, lc *loginCapture) error {
	rest, ok := cutPrefix(line, "USER ")
	if !ok {
		_, _ = conn.Write([]byte("-ERR expected USER\r\n"))
		return fmt.Errorf("expected USER, got %q", line)
	}
	lc.username = strings.TrimSpace(rest)
	_, err := conn.Write([]byte("+OK\r\n"))
	return err
}

func readPassLine(conn net.Conn, reader *bufio.Reader, lc *loginCapture) error {
	line, err := readCRLFLine(reader)
	if err != nil {
		return fmt.Errorf("reading PASS: %w", err)
	}
	rest, ok := cutPrefix(line, "PASS ")
	if !ok {
		_, _ = conn.Write([]byte("-ERR expected PASS\r\n"))
		return fmt.Errorf("expected PASS, got %q", line)
	}
	lc.password = strings.TrimSpace(rest)
	return nil
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func peerIsTrusted(conn net.Conn, trustedCIDRs []*net.IPNet) bool {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}
	return util.IsIPInTrustedCIDRs(tcpAddr.IP, trustedCIDRs)
}
