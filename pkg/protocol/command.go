// Package protocol implements the KeyChat text wire protocol: colon-separated
// command frames and JSON chat records, exchanged as newline-free UTF-8 text
// frames over whatever transport carries the connection.
package protocol

import "strings"

// Command frame literals and prefixes (client → server). Case-sensitive,
// colon-separated fields, no escaping: field values must not contain ':'.
const (
	CmdAuthRequest   = "auth-request"
	CmdCheckUsername = "check-username:"
	CmdRegister      = "register:"
	CmdAuthResponse  = "auth-response:"
	CmdInitChat      = "init-chat:"
)

// Command is the closed set of things a client frame can mean. Every inbound
// frame parses to exactly one variant; dispatch is a single type switch.
type Command interface {
	// Name returns the command's wire name, used for logging and metrics.
	Name() string
}

// AuthRequest asks the server to issue a fresh authentication challenge.
type AuthRequest struct{}

// CheckUsername asks whether a username is already registered.
type CheckUsername struct {
	Username string
}

// Register submits a new username with its RSA public key (hex modulus and
// exponent).
type Register struct {
	Username    string
	ModulusHex  string
	ExponentHex string
}

// AuthResponse submits a signature over the outstanding challenge.
type AuthResponse struct {
	SignatureHex string
	Username     string
}

// InitChat requests a chat partner's public key ahead of a direct exchange.
type InitChat struct {
	Partner string
}

// RawRecord is any frame that is not a recognized command. Authenticated
// connections get it decoded as a chat record; everything else is rejected.
type RawRecord struct {
	Frame string
}

// Malformed is a recognized command prefix with the wrong field count or an
// empty field. Command holds the wire name of the command that failed to
// parse so the handler can answer with that command's failure frame.
type Malformed struct {
	Command string
	Reason  string
}

func (AuthRequest) Name() string   { return "auth-request" }
func (CheckUsername) Name() string { return "check-username" }
func (Register) Name() string      { return "register" }
func (AuthResponse) Name() string  { return "auth-response" }
func (InitChat) Name() string      { return "init-chat" }
func (RawRecord) Name() string     { return "record" }
func (Malformed) Name() string     { return "malformed" }

// Parse classifies one inbound frame. It never fails: frames that match no
// command prefix come back as RawRecord and are interpreted downstream.
func Parse(frame string) Command {
	switch {
	case frame == CmdAuthRequest:
		return AuthRequest{}

	case strings.HasPrefix(frame, CmdCheckUsername):
		return CheckUsername{Username: frame[len(CmdCheckUsername):]}

	case strings.HasPrefix(frame, CmdRegister):
		fields := strings.Split(frame[len(CmdRegister):], ":")
		if len(fields) != 3 || hasEmptyField(fields) {
			return Malformed{Command: "register", Reason: "expected register:<username>:<modulusHex>:<exponentHex>"}
		}
		return Register{Username: fields[0], ModulusHex: fields[1], ExponentHex: fields[2]}

	case strings.HasPrefix(frame, CmdAuthResponse):
		fields := strings.Split(frame[len(CmdAuthResponse):], ":")
		if len(fields) != 2 || hasEmptyField(fields) {
			return Malformed{Command: "auth-response", Reason: "expected auth-response:<signatureHex>:<username>"}
		}
		return AuthResponse{SignatureHex: fields[0], Username: fields[1]}

	case strings.HasPrefix(frame, CmdInitChat):
		partner := frame[len(CmdInitChat):]
		if partner == "" || strings.Contains(partner, ":") {
			return Malformed{Command: "init-chat", Reason: "expected init-chat:<partnerUsername>"}
		}
		return InitChat{Partner: partner}
	}

	return RawRecord{Frame: frame}
}

func hasEmptyField(fields []string) bool {
	for _, f := range fields {
		if f == "" {
			return true
		}
	}
	return false
}
