package pop3

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/loginproxy/internal/core/domain"
)

type fakeConn struct {
	serverBuf bytes.Buffer
	clientBuf bytes.Buffer
	serverW   *bufio.Writer
	clientW   *bufio.Writer

	startTLSCalled bool
	startTLSErr    error
	detachCalled   bool
	detachErr      error

	redirectIP   string
	redirectPort int
	redirected   bool

	failType   domain.FailureType
	failReason string
	failed     bool
}

func newFakeConn() *fakeConn {
	c := &fakeConn{}
	c.serverW = bufio.NewWriter(&c.serverBuf)
	c.clientW = bufio.NewWriter(&c.clientBuf)
	return c
}

func (c *fakeConn) ServerWriter() *bufio.Writer { return c.serverW }
func (c *fakeConn) ClientWriter() *bufio.Writer { return c.clientW }
func (c *fakeConn) StartTLS() error             { c.startTLSCalled = true; return c.startTLSErr }
func (c *fakeConn) Detach() error               { c.detachCalled = true; return c.detachErr }
func (c *fakeConn) Redirect(ip string, port int) {
	c.redirected = true
	c.redirectIP = ip
	c.redirectPort = port
}
func (c *fakeConn) Fail(t domain.FailureType, reason string) {
	c.failed = true
	c.failType = t
	c.failReason = reason
}

func TestDriverPlainUserPassLoginSucceeds(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, LoginParams{
		ProxyUser:     "alice",
		ProxyPassword: "secret",
	}, nil)

	done, err := d.HandleLine("+OK POP3 ready")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "USER alice\r\n", conn.serverBuf.String())
	assert.Equal(t, StateLogin1, d.State())

	conn.serverBuf.Reset()
	done, err = d.HandleLine("+OK")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "PASS secret\r\n", conn.serverBuf.String())
	assert.Equal(t, StateLogin2, d.State())

	done, err = d.HandleLine("+OK Logged in.")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, conn.detachCalled)
	assert.Contains(t, conn.clientBuf.String(), "+OK Logged in.")
}

func TestDriverXClientTrustedSessionEmitsForwardFields(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, LoginParams{
		ProxyUser:     "alice",
		ProxyPassword: "secret",
		LocalIP:       "10.0.0.5",
		RemotePort:    4242,
		SessionID:     "sess-1",
		ProxyTTL:      5,
		LocalName:     "pop.example.com",
		ForwardFields: []string{"one", "two"},
	}, nil)

	_, _ = d.HandleLine("+OK [XCLIENT] ready")
	assert.Equal(t, StateXClient, d.State())
	assert.Contains(t, conn.serverBuf.String(), "XCLIENT ADDR=10.0.0.5")
	assert.Contains(t, conn.serverBuf.String(), "PORT=4242")
	assert.Contains(t, conn.serverBuf.String(), "TTL=4")
	assert.Contains(t, conn.serverBuf.String(), "DESTNAME=pop.example.com")
	assert.Contains(t, conn.serverBuf.String(), "FORWARD=")
	// USER is sent in the same round as XCLIENT, since the client isn't
	// acknowledged line-by-line until the server replies.
	assert.Contains(t, conn.serverBuf.String(), "USER alice\r\n")

	done, err := d.HandleLine("+OK")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateLogin1, d.State())
}

func TestDriverSaslPlainAuthSequence(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, LoginParams{
		ProxyUser:     "alice",
		ProxyPassword: "secret",
		ProxyMech:     domain.SaslMechPlain,
	}, nil)

	_, _ = d.HandleLine("+OK ready")
	assert.Contains(t, conn.serverBuf.String(), "AUTH PLAIN ")
	assert.Equal(t, StateLogin2, d.State())

	done, err := d.HandleLine("+OK Logged in.")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, conn.detachCalled)
}

func TestDriverFailureReferralRedirects(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, LoginParams{ProxyUser: "alice", ProxyPassword: "secret"}, nil)

	_, _ = d.HandleLine("+OK ready")
	_, _ = d.HandleLine("+OK")

	done, err := d.HandleLine("-ERR [REFERRAL/pop3://alice@10.0.0.9:110] try there")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, conn.redirected)
	assert.Equal(t, "10.0.0.9", conn.redirectIP)
	assert.Equal(t, 110, conn.redirectPort)
}

func TestDriverFailureTempfailReportsTempfailType(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, LoginParams{ProxyUser: "alice", ProxyPassword: "secret"}, nil)

	_, _ = d.HandleLine("+OK ready")
	_, _ = d.HandleLine("+OK")

	done, err := d.HandleLine("-ERR [SYS/TEMP] try again later")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, conn.failed)
	assert.Equal(t, domain.FailureAuthTempfail, conn.failType)
}

func TestFailureReplyMapsTaxonomyToWireText(t *testing.T) {
	assert.Contains(t, FailureReply(domain.FailureConnect, ""), "[SYS/TEMP]")
	assert.Empty(t, FailureReply(domain.FailureAuthReplied, ""))
	assert.Equal(t, "-ERR go away\r\n", FailureReply(domain.FailureAuthTempfail, "go away"))
}
