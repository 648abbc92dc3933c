// Package pop3 implements the POP3 application-protocol front-end: a small
// per-line state machine that drives a backend login through XCLIENT,
// STARTTLS, SASL or plain USER/PASS, grounded directly on Dovecot's
// src/pop3-login/pop3-proxy.c.
package pop3

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/thushan/loginproxy/internal/core/domain"
	"github.com/thushan/loginproxy/internal/logger"
)

// State is one of the five states pop3-proxy.c's proxy_state enum names.
type State int

const (
	StateBanner State = iota
	StateStartTLS
	StateXClient
	StateLogin1
	StateLogin2
)

func (s State) String() string {
	switch s {
	case StateBanner:
		return "banner"
	case StateStartTLS:
		return "starttls"
	case StateXClient:
		return "xclient"
	case StateLogin1:
		return "login1"
	case StateLogin2:
		return "login2"
	default:
		return "unknown"
	}
}

// ClientTransport values for the XCLIENT CLIENT-TRANSPORT= field.
const (
	ClientTransportTLS      = "TLS"
	ClientTransportInsecure = "insecure"
)

// Conn is the subset of ProxyConnection the driver needs: a writer to the
// server, a way to request STARTTLS, detach, or a redirect, and a client
// writer for forwarding the final success/error line.
type Conn interface {
	ServerWriter() *bufio.Writer
	ClientWriter() *bufio.Writer
	StartTLS() error
	Detach() error
	Redirect(ip string, port int)
	Fail(t domain.FailureType, reason string)
}

// LoginParams are the fields of the borrowed client record the driver needs
// to build XCLIENT and the login commands.
type LoginParams struct {
	XClientSupported bool
	ProxyNotTrusted  bool
	LocalIP          string
	RemotePort       int
	SessionID        string
	ProxyTTL         int
	EndClientTLS     bool
	LocalName        string
	ForwardFields    []string // already "forward_"-stripped values, in passdb order
	ProxyUser        string
	ProxyMasterUser  string
	ProxyPassword    string
	ProxyMech        domain.SaslMechanism // empty means no SASL, plain USER/PASS
	SslStartTLS      bool
}

// Driver is the POP3 proxy_state machine.
type Driver struct {
	conn   Conn
	params LoginParams
	log    *logger.StyledLogger

	state      State
	sasl       domain.SaslClient
	xclientSeen bool
}

// New builds a driver in the Banner state.
func New(conn Conn, params LoginParams, log *logger.StyledLogger) *Driver {
	return &Driver{conn: conn, params: params, log: log, state: StateBanner}
}

func (d *Driver) State() State { return d.state }

// HandleLine processes one server line (without its trailing CRLF) and
// advances the state machine. It returns true once the driver has detached
// (handed control to the byte pump) or failed.
func (d *Driver) HandleLine(line string) (done bool, err error) {
	switch d.state {
	case StateBanner:
		return d.handleBanner(line)
	case StateStartTLS:
		return d.handleStartTLS(line)
	case StateXClient:
		return d.handleXClient(line)
	case StateLogin1:
		return d.handleLogin1(line)
	case StateLogin2:
		return d.handleLogin2(line)
	default:
		return true, fmt.Errorf("pop3 proxy: unreachable state %v", d.state)
	}
}

func (d *Driver) handleBanner(line string) (bool, error) {
	rest, ok := cutPrefix(line, "+OK")
	if !ok {
		d.conn.Fail(domain.FailureProtocol, "Invalid banner: "+sanitize(line))
		return true, nil
	}
	d.xclientSeen = strings.HasPrefix(rest, " [XCLIENT]")

	if d.params.SslStartTLS {
		d.writeServer("STLS\r\n")
		d.state = StateStartTLS
		return false, nil
	}
	return d.sendLogin()
}

func (d *Driver) handleStartTLS(line string) (bool, error) {
	if !strings.HasPrefix(line, "+OK") {
		d.conn.Fail(domain.FailureRemote, "STLS failed: "+sanitize(line))
		return true, nil
	}
	if err := d.conn.StartTLS(); err != nil {
		d.conn.Fail(domain.FailureInternal, "STARTTLS handshake failed")
		return true, nil
	}
	return d.sendLogin()
}

func (d *Driver) handleXClient(line string) (bool, error) {
	if !strings.HasPrefix(line, "+OK") {
		d.conn.Fail(domain.FailureRemote, "XCLIENT failed: "+sanitize(line))
		return true, nil
	}
	if d.params.ProxyMech == "" {
		d.state = StateLogin1
	} else {
		d.state = StateLogin2
	}
	return false, nil
}

func (d *Driver) handleLogin1(line string) (bool, error) {
	if !strings.HasPrefix(line, "+OK") {
		return d.handleFailureLine(line)
	}
	d.writeServer(fmt.Sprintf("PASS %s\r\n", d.params.ProxyPassword))
	d.state = StateLogin2
	return false, nil
}

func (d *Driver) handleLogin2(line string) (bool, error) {
	if value, ok := cutPrefix(line, "+ "); ok && d.sasl != nil {
		return d.continueSaslAuth(value)
	}
	if !strings.HasPrefix(line, "+OK") {
		return d.handleFailureLine(line)
	}

	d.writeClient(line + "\r\n")
	if err := d.conn.Detach(); err != nil {
		return true, err
	}
	return true, nil
}

func (d *Driver) continueSaslAuth(serverLine string) (bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(serverLine)
	if err != nil {
		d.conn.Fail(domain.FailureProtocol, "Invalid base64 data in AUTH response")
		return true, nil
	}

	result, errText := d.sasl.Input(decoded)
	if result != domain.SaslOK {
		d.conn.Fail(saslResultToFailure(result), errText)
		return true, nil
	}

	_, _, out, ok := d.sasl.Output()
	if !ok {
		d.conn.Fail(domain.FailureProtocol, "SASL mechanism produced no further output")
		return true, nil
	}

	d.writeServer(base64.StdEncoding.EncodeToString(out) + "\r\n")
	return false, nil
}

func saslResultToFailure(r domain.SaslResult) domain.FailureType {
	switch r {
	case domain.SaslAuthFailed:
		return domain.FailureAuthReplied
	case domain.SaslErrProtocol:
		return domain.FailureProtocol
	default:
		return domain.FailureInternal
	}
}

// sendLogin mirrors proxy_send_login: emit XCLIENT if supported and trusted,
// then either USER (no SASL) or AUTH <mech> <initial response>.
func (d *Driver) sendLogin() (bool, error) {
	if d.xclientSeen && !d.params.ProxyNotTrusted {
		d.writeServer(d.buildXClient())
		d.state = StateXClient
	} else {
		d.state = StateLogin1
	}

	if d.params.ProxyMech == "" {
		d.writeServer(fmt.Sprintf("USER %s\r\n", d.params.ProxyUser))
		return false, nil
	}

	authid := d.params.ProxyUser
	if d.params.ProxyMasterUser != "" {
		authid = d.params.ProxyMasterUser
	}
	creds := domain.SaslCredentials{
		Authid:   authid,
		Authzid:  d.params.ProxyUser,
		Password: d.params.ProxyPassword,
	}
	sasl, err := domain.NewSaslClient(d.params.ProxyMech, creds, nil)
	if err != nil {
		d.conn.Fail(domain.FailureInternal, fmt.Sprintf("SASL mechanism %s init failed: %v", d.params.ProxyMech, err))
		return true, nil
	}
	d.sasl = sasl

	result, errText, out, _ := sasl.Output()
	if result != domain.SaslOK {
		d.conn.Fail(domain.FailureInternal, fmt.Sprintf("SASL mechanism %s init failed: %s", d.params.ProxyMech, errText))
		return true, nil
	}

	encoded := "="
	if len(out) > 0 {
		encoded = base64.StdEncoding.EncodeToString(out)
	}
	d.writeServer(fmt.Sprintf("AUTH %s %s\r\n", d.params.ProxyMech, encoded))

	if d.state != StateXClient {
		d.state = StateLogin2
	}
	return false, nil
}

// buildXClient renders the XCLIENT command, including the base64-encoded
// FORWARD= field built from the passdb's forward_* arguments.
func (d *Driver) buildXClient() string {
	var sb strings.Builder
	sb.WriteString("XCLIENT ADDR=")
	sb.WriteString(d.params.LocalIP)
	sb.WriteString(" PORT=")
	fmt.Fprintf(&sb, "%d", d.params.RemotePort)
	sb.WriteString(" SESSION=")
	sb.WriteString(d.params.SessionID)
	sb.WriteString(" TTL=")
	fmt.Fprintf(&sb, "%d", d.params.ProxyTTL-1)
	sb.WriteString(" CLIENT-TRANSPORT=")
	if d.params.EndClientTLS {
		sb.WriteString(ClientTransportTLS)
	} else {
		sb.WriteString(ClientTransportInsecure)
	}
	if d.params.LocalName != "" {
		sb.WriteString(" DESTNAME=")
		sb.WriteString(d.params.LocalName)
	}
	if fwd := tabEscapedJoin(d.params.ForwardFields); fwd != "" {
		sb.WriteString(" FORWARD=")
		sb.WriteString(base64.StdEncoding.EncodeToString([]byte(fwd)))
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// tabEscapedJoin escapes embedded tabs/backslashes in each value (so the
// tab separator stays unambiguous) and joins with tabs, in passdb order.
func tabEscapedJoin(values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, "\t", `\t`)
		escaped[i] = v
	}
	return strings.Join(escaped, "\t")
}

// handleFailureLine implements the catch-all error path: tempfail, referral,
// or verbatim forward, each tagged with its failure type.
func (d *Driver) handleFailureLine(line string) (bool, error) {
	switch {
	case !strings.HasPrefix(line, "-ERR "):
		d.writeClient("-ERR Authentication failed.\r\n")
		d.conn.Fail(domain.FailureAuthReplied, "authentication failed")
	case strings.HasPrefix(line, "-ERR [SYS/TEMP]"):
		reason := line[5:]
		d.conn.Fail(domain.FailureAuthTempfail, reason)
	default:
		if ip, port, ok := parseReferral(line[5:]); ok {
			d.conn.Redirect(ip, port)
			return true, nil
		}
		d.writeClient(line + "\r\n")
		d.conn.Fail(domain.FailureAuthReplied, line[5:])
	}
	return true, nil
}

// parseReferral extracts host/port from a "[REFERRAL/<uri>]..." response,
// where <uri> has the shape userinfo@host[:port] after the scheme.
func parseReferral(resp string) (ip string, port int, ok bool) {
	rest, ok := cutPrefix(resp, "[REFERRAL/")
	if !ok {
		return "", 0, false
	}
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return "", 0, false
	}
	uri := rest[:end]

	at := strings.LastIndexByte(uri, '@')
	hostport := uri
	if at >= 0 {
		hostport = uri[at+1:]
	}
	// Drop a leading scheme://, e.g. pop3://
	if idx := strings.Index(hostport, "://"); idx >= 0 {
		hostport = hostport[idx+3:]
	} else if at < 0 {
		if idx := strings.Index(uri, "://"); idx >= 0 {
			after := uri[idx+3:]
			if at2 := strings.LastIndexByte(after, '@'); at2 >= 0 {
				hostport = after[at2+1:]
			} else {
				hostport = after
			}
		}
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 110, true
	}
	p := 110
	fmt.Sscanf(portStr, "%d", &p)
	return host, p, true
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// sanitize truncates a line for safe inclusion in a log/diagnostic string,
// mirroring str_sanitize(resp, 160).
func sanitize(s string) string {
	const maxLen = 160
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func (d *Driver) writeServer(s string) {
	w := d.conn.ServerWriter()
	_, _ = w.WriteString(s)
	_ = w.Flush()
}

func (d *Driver) writeClient(s string) {
	w := d.conn.ClientWriter()
	_, _ = w.WriteString(s)
	_ = w.Flush()
}

// FailureReply maps a failure taxonomy to the POP3 reply the client should
// see, per §7's user-visible behaviour table. AuthReplied returns "" since
// the backend's line was already relayed.
func FailureReply(t domain.FailureType, reason string) string {
	switch t {
	case domain.FailureConnect, domain.FailureInternal, domain.FailureRemote,
		domain.FailureProtocol, domain.FailureAuthRedirect:
		return "-ERR [SYS/TEMP] Temporary login failure. Refer to server log for more information.\r\n"
	case domain.FailureInternalConfig, domain.FailureRemoteConfig, domain.FailureAuthNotReplied:
		return "-ERR Temporary login failure. Refer to server log for more information.\r\n"
	case domain.FailureAuthTempfail:
		return "-ERR " + reason + "\r\n"
	case domain.FailureAuthReplied:
		return ""
	default:
		return ""
	}
}
