package server

import (
	"errors"
	"log"
	"math/big"

	"github.com/keychat-io/keychat/pkg/directory"
	"github.com/keychat-io/keychat/pkg/protocol"
)

// handleAuthRequest issues a fresh challenge, replacing any outstanding one.
func (s *Server) handleAuthRequest(sess *Session) error {
	challengeHex, err := s.auth.IssueChallenge(sess.ID)
	if err != nil {
		errorLog.Printf("Session %d: challenge generation failed: %v", sess.ID, err)
		return sess.Conn.WriteFrame(protocol.RespAuthFailure)
	}
	debugLog.Printf("Session %d: challenge issued", sess.ID)
	return sess.Conn.WriteFrame(protocol.FormatChallenge(challengeHex))
}

func (s *Server) handleCheckUsername(sess *Session, cmd protocol.CheckUsername) error {
	if s.dir.Exists(cmd.Username) {
		return sess.Conn.WriteFrame(protocol.RespUsernameExists)
	}
	return sess.Conn.WriteFrame(protocol.RespUsernameAvailable)
}

// handleRegister adds a user to the directory. Username and key collisions
// get distinct reasons; storage failures get a generic one and the process
// keeps serving.
func (s *Server) handleRegister(sess *Session, cmd protocol.Register) error {
	n, ok := new(big.Int).SetString(cmd.ModulusHex, 16)
	if !ok || n.Sign() <= 0 {
		s.metrics.RecordRegistration("invalid_key")
		return sess.Conn.WriteFrame(protocol.FormatRegisterFailure("Invalid public key"))
	}
	e, ok := new(big.Int).SetString(cmd.ExponentHex, 16)
	if !ok || e.Sign() <= 0 {
		s.metrics.RecordRegistration("invalid_key")
		return sess.Conn.WriteFrame(protocol.FormatRegisterFailure("Invalid public key"))
	}

	err := s.dir.Register(cmd.Username, n, e)
	switch {
	case errors.Is(err, directory.ErrUsernameTaken):
		s.metrics.RecordRegistration("username_taken")
		return sess.Conn.WriteFrame(protocol.FormatRegisterFailure("Username already taken"))
	case errors.Is(err, directory.ErrKeyTaken):
		s.metrics.RecordRegistration("key_taken")
		return sess.Conn.WriteFrame(protocol.FormatRegisterFailure("Public key already registered"))
	case err != nil:
		errorLog.Printf("Session %d: registration for %s failed: %v", sess.ID, cmd.Username, err)
		s.metrics.RecordRegistration("error")
		return sess.Conn.WriteFrame(protocol.FormatRegisterFailure("Registration failed"))
	}

	log.Printf("User registered: %s (session %d)", cmd.Username, sess.ID)
	s.metrics.RecordRegistration("success")
	return sess.Conn.WriteFrame(protocol.RespRegisterSuccess)
}

// handleAuthResponse verifies the submitted signature. Success binds the
// username's presence entry to this connection and broadcasts a fresh
// snapshot; failure says only auth-failure, never why.
func (s *Server) handleAuthResponse(sess *Session, cmd protocol.AuthResponse) error {
	if !s.auth.Verify(sess.ID, cmd.SignatureHex, cmd.Username) {
		debugLog.Printf("Session %d: authentication failed for %s", sess.ID, cmd.Username)
		s.metrics.RecordAuthAttempt("failure")
		return sess.Conn.WriteFrame(protocol.RespAuthFailure)
	}

	log.Printf("Authentication successful: %s (session %d)", cmd.Username, sess.ID)
	s.metrics.RecordAuthAttempt("success")

	if err := sess.Conn.WriteFrame(protocol.RespAuthSuccess); err != nil {
		return err
	}

	s.router.Bind(cmd.Username, sess.ID)
	s.router.BroadcastPresence()
	s.metrics.RecordPresenceBroadcast()
	return nil
}

// handleInitChat hands out a partner's public key so the peers can validate
// each other's end-to-end signed payloads.
func (s *Server) handleInitChat(sess *Session, cmd protocol.InitChat) error {
	if !s.auth.IsAuthenticated(sess.ID) {
		return sess.Conn.WriteFrame(protocol.FormatChatInitFailure("Not authenticated"))
	}

	n, e, ok := s.router.PublicKeyLookup(cmd.Partner)
	if !ok {
		return sess.Conn.WriteFrame(protocol.FormatChatInitFailure("User does not exist"))
	}

	if err := sess.Conn.WriteFrame(protocol.FormatChatInitSuccess(cmd.Partner)); err != nil {
		return err
	}
	return sess.Conn.WriteFrame(protocol.FormatPublicKey(cmd.Partner, n.Text(16), e.Text(16)))
}

// handleRecord routes an ordinary chat record. Unauthenticated connections
// get unauthorized; malformed records are logged and dropped without
// touching the connection.
func (s *Server) handleRecord(sess *Session, cmd protocol.RawRecord) error {
	_, username, ok := s.auth.Identity(sess.ID)
	if !ok {
		debugLog.Printf("Session %d: unauthorized frame", sess.ID)
		return sess.Conn.WriteFrame(protocol.RespUnauthorized)
	}

	rec, err := protocol.DecodeRecord(cmd.Frame)
	if err != nil {
		log.Printf("Session %d: malformed chat record dropped: %v", sess.ID, err)
		return nil
	}

	// The most recently active connection is always the delivery target.
	// Keyed by the authenticated username, not the record's sender field,
	// so a spoofed sender can't repoint someone else's presence entry.
	s.router.Bind(username, sess.ID)

	err = s.router.Route(rec)
	switch {
	case errors.Is(err, ErrRecipientUnknown):
		return sess.Conn.WriteFrame(protocol.FormatMessageFailed("User does not exist"))
	case errors.Is(err, ErrRecipientOffline):
		return sess.Conn.WriteFrame(protocol.FormatMessageFailed("Recipient offline"))
	case err != nil:
		errorLog.Printf("Session %d: routing failed: %v", sess.ID, err)
		return sess.Conn.WriteFrame(protocol.FormatMessageFailed("Delivery failed"))
	}

	if rec.Recipient != "" {
		return sess.Conn.WriteFrame(protocol.FormatDelivered(rec.Recipient))
	}
	return nil
}

// handleMalformed answers a recognized command with the wrong shape using
// that command's failure frame. The connection stays open.
func (s *Server) handleMalformed(sess *Session, cmd protocol.Malformed) error {
	debugLog.Printf("Session %d: malformed %s command: %s", sess.ID, cmd.Command, cmd.Reason)

	switch cmd.Command {
	case "register":
		return sess.Conn.WriteFrame(protocol.FormatRegisterFailure("Malformed command"))
	case "auth-response":
		return sess.Conn.WriteFrame(protocol.RespAuthFailure)
	case "init-chat":
		return sess.Conn.WriteFrame(protocol.FormatChatInitFailure("Malformed command"))
	}
	return sess.Conn.WriteFrame(protocol.RespUnauthorized)
}
