package domain

import "fmt"

// SaslResult mirrors dsasl_client_result: the four possible outcomes of
// feeding a server challenge into a SASL mechanism.
type SaslResult int

const (
	SaslOK SaslResult = iota
	SaslAuthFailed
	SaslErrProtocol
	SaslErrInternal
)

func (r SaslResult) String() string {
	switch r {
	case SaslOK:
		return "ok"
	case SaslAuthFailed:
		return "auth-failed"
	case SaslErrProtocol:
		return "protocol-error"
	case SaslErrInternal:
		return "internal-error"
	default:
		return "unknown"
	}
}

// SaslMechanism names a supported client mechanism.
type SaslMechanism string

const (
	SaslMechPlain    SaslMechanism = "PLAIN"
	SaslMechLogin    SaslMechanism = "LOGIN"
	SaslMechExternal SaslMechanism = "EXTERNAL"
)

// SaslCredentials carries the identity material a mechanism needs.
// Authzid is the identity to act as (may differ from Authid, the identity
// whose credentials are presented); Password is unused by EXTERNAL.
type SaslCredentials struct {
	Authid   string
	Authzid  string
	Password string
}

// ChannelBindingFunc lazily fetches channel-binding data for a given binding
// type (e.g. "tls-server-end-point"), used by mechanisms that support it.
type ChannelBindingFunc func(bindingType string) ([]byte, error)

// SaslClient is the mechanism-polymorphic challenge/response driver used by
// any application-protocol front-end during the auth phase.
type SaslClient interface {
	// Mechanism reports which mechanism this client drives.
	Mechanism() SaslMechanism

	// Input feeds a server challenge (possibly empty) into the mechanism.
	Input(serverBytes []byte) (SaslResult, string)

	// Output produces the next client response. ok is false once the
	// mechanism has no further output to give (e.g. LOGIN after PASS).
	Output() (result SaslResult, errText string, out []byte, ok bool)

	// SetParameter and GetResult are mechanism-specific side channels,
	// e.g. "channel-binding" or an authzid override negotiated out of band.
	SetParameter(key, value string)
	GetResult(key string) (string, bool)
}

// NewSaslClient constructs the client driver for mech, validating that the
// supplied credentials satisfy what the mechanism requires.
func NewSaslClient(mech SaslMechanism, creds SaslCredentials, binding ChannelBindingFunc) (SaslClient, error) {
	switch mech {
	case SaslMechPlain:
		if creds.Authid == "" || creds.Password == "" {
			return nil, fmt.Errorf("sasl: PLAIN requires authid and password: %w", errSaslInternal)
		}
		return &plainClient{creds: creds}, nil
	case SaslMechLogin:
		if creds.Authid == "" || creds.Password == "" {
			return nil, fmt.Errorf("sasl: LOGIN requires authid and password: %w", errSaslInternal)
		}
		return &loginClient{creds: creds}, nil
	case SaslMechExternal:
		return &externalClient{creds: creds, binding: binding}, nil
	default:
		return nil, fmt.Errorf("sasl: unsupported mechanism %q: %w", mech, errSaslInternal)
	}
}

var errSaslInternal = fmt.Errorf("internal")

// --- PLAIN -----------------------------------------------------------------

// plainClient implements RFC 4616: a single output, no further challenges
// expected. mech-plain.c never issues a second challenge, so any input that
// arrives after the initial response is a protocol error.
type plainClient struct {
	creds      SaslCredentials
	outputSent bool
	params     map[string]string
}

func (c *plainClient) Mechanism() SaslMechanism { return SaslMechPlain }

func (c *plainClient) Input(serverBytes []byte) (SaslResult, string) {
	if !c.outputSent {
		if len(serverBytes) != 0 {
			return SaslErrProtocol, "unexpected initial challenge for PLAIN"
		}
		return SaslOK, ""
	}
	return SaslErrProtocol, "PLAIN does not expect a challenge after its response"
}

func (c *plainClient) Output() (SaslResult, string, []byte, bool) {
	if c.outputSent {
		return SaslOK, "", nil, false
	}
	c.outputSent = true
	out := make([]byte, 0, len(c.creds.Authzid)+len(c.creds.Authid)+len(c.creds.Password)+2)
	out = append(out, c.creds.Authzid...)
	out = append(out, 0)
	out = append(out, c.creds.Authid...)
	out = append(out, 0)
	out = append(out, c.creds.Password...)
	return SaslOK, "", out, true
}

func (c *plainClient) SetParameter(key, value string) {
	if c.params == nil {
		c.params = map[string]string{}
	}
	c.params[key] = value
}

func (c *plainClient) GetResult(key string) (string, bool) {
	v, ok := c.params[key]
	return v, ok
}

// --- LOGIN -------------------------------------------------------------------

type loginState int

const (
	loginStateInit loginState = iota
	loginStateUser
	loginStatePass
	loginStateDone
)

// loginClient implements the three-state challenge/response dance Dovecot's
// mech-login.c drives: INIT (empty), USER (authid), PASS (password). A
// fourth round trip means the server failed to terminate the exchange.
type loginClient struct {
	creds SaslCredentials
	state loginState
}

func (c *loginClient) Mechanism() SaslMechanism { return SaslMechLogin }

func (c *loginClient) Input(serverBytes []byte) (SaslResult, string) {
	switch c.state {
	case loginStateInit, loginStateUser, loginStatePass:
		return SaslOK, ""
	default:
		return SaslErrProtocol, "LOGIN: unexpected challenge after completion"
	}
}

func (c *loginClient) Output() (SaslResult, string, []byte, bool) {
	switch c.state {
	case loginStateInit:
		c.state = loginStateUser
		return SaslOK, "", []byte{}, true
	case loginStateUser:
		c.state = loginStatePass
		return SaslOK, "", []byte(c.creds.Authid), true
	case loginStatePass:
		c.state = loginStateDone
		return SaslOK, "", []byte(c.creds.Password), true
	default:
		return SaslOK, "", nil, false
	}
}

func (c *loginClient) SetParameter(string, string)          {}
func (c *loginClient) GetResult(string) (string, bool)       { return "", false }

// --- EXTERNAL ------------------------------------------------------------

// externalClient implements RFC 4422 appendix A: a single output of the
// authorization identity (or empty to let the server derive it from the TLS
// certificate), no credentials of its own.
type externalClient struct {
	creds      SaslCredentials
	binding    ChannelBindingFunc
	outputSent bool
	bindingVal []byte
}

func (c *externalClient) Mechanism() SaslMechanism { return SaslMechExternal }

func (c *externalClient) Input(serverBytes []byte) (SaslResult, string) {
	if !c.outputSent {
		if len(serverBytes) != 0 {
			return SaslErrProtocol, "unexpected initial challenge for EXTERNAL"
		}
		return SaslOK, ""
	}
	return SaslErrProtocol, "EXTERNAL does not expect a challenge after its response"
}

func (c *externalClient) Output() (SaslResult, string, []byte, bool) {
	if c.outputSent {
		return SaslOK, "", nil, false
	}
	c.outputSent = true

	if c.binding != nil {
		if v, err := c.binding("tls-server-end-point"); err == nil {
			c.bindingVal = v
		}
	}

	switch {
	case c.creds.Authzid != "":
		return SaslOK, "", []byte(c.creds.Authzid), true
	case c.creds.Authid != "":
		return SaslOK, "", []byte(c.creds.Authid), true
	default:
		return SaslOK, "", []byte{}, true
	}
}

func (c *externalClient) SetParameter(string, string) {}

func (c *externalClient) GetResult(key string) (string, bool) {
	if key == "channel-binding" && c.bindingVal != nil {
		return string(c.bindingVal), true
	}
	return "", false
}
