package protocol

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// fieldGen draws colon-free, newline-free, non-empty field values — the only
// values the wire format admits.
func fieldGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z0-9_.@ -]{1,40}`)
}

// TestRegisterCommandRoundTrip checks that any well-formed register frame
// parses back to its fields.
func TestRegisterCommandRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		username := fieldGen().Draw(t, "username")
		modulus := rapid.StringMatching(`[0-9a-f]{1,64}`).Draw(t, "modulus")
		exponent := rapid.StringMatching(`[0-9a-f]{1,8}`).Draw(t, "exponent")

		cmd := Parse("register:" + username + ":" + modulus + ":" + exponent)
		reg, ok := cmd.(Register)
		if !ok {
			t.Fatalf("expected Register, got %T", cmd)
		}
		if reg.Username != username || reg.ModulusHex != modulus || reg.ExponentHex != exponent {
			t.Fatalf("field mismatch: %+v", reg)
		}
	})
}

// TestAuthResponseRoundTrip checks the two-field auth-response frame.
func TestAuthResponseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		signature := rapid.StringMatching(`[0-9a-f]{1,256}`).Draw(t, "signature")
		username := fieldGen().Draw(t, "username")

		cmd := Parse("auth-response:" + signature + ":" + username)
		resp, ok := cmd.(AuthResponse)
		if !ok {
			t.Fatalf("expected AuthResponse, got %T", cmd)
		}
		if resp.SignatureHex != signature || resp.Username != username {
			t.Fatalf("field mismatch: %+v", resp)
		}
	})
}

// TestUnrecognizedFramesPassThrough checks that frames matching no command
// prefix come back verbatim as RawRecord, whatever their content.
func TestUnrecognizedFramesPassThrough(t *testing.T) {
	prefixes := []string{CmdAuthRequest, CmdCheckUsername, CmdRegister, CmdAuthResponse, CmdInitChat}

	rapid.Check(t, func(t *rapid.T) {
		frame := rapid.StringMatching(`[^\n]{0,200}`).Draw(t, "frame")
		for _, p := range prefixes {
			if strings.HasPrefix(frame, strings.TrimSuffix(p, ":")) {
				t.Skip("frame collides with a command prefix")
			}
		}

		cmd := Parse(frame)
		raw, ok := cmd.(RawRecord)
		if !ok {
			t.Fatalf("expected RawRecord for %q, got %T", frame, cmd)
		}
		if raw.Frame != frame {
			t.Fatalf("frame mangled: %q != %q", raw.Frame, frame)
		}
	})
}

// TestChatRecordJSONRoundTrip checks Encode/DecodeRecord over arbitrary
// field content.
func TestChatRecordJSONRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &ChatRecord{
			Sender:    rapid.StringMatching(`\S{1,20}`).Draw(t, "sender"),
			Content:   rapid.StringN(1, 500, -1).Draw(t, "content"),
			Recipient: rapid.StringMatching(`\S{0,20}`).Draw(t, "recipient"),
			Timestamp: rapid.Int64Range(0, 1<<52).Draw(t, "timestamp"),
		}

		frame, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if strings.ContainsRune(frame, '\n') {
			t.Fatalf("encoded frame contains newline: %q", frame)
		}

		decoded, err := DecodeRecord(frame)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if *decoded != *original {
			t.Fatalf("round trip mismatch: %+v != %+v", decoded, original)
		}
	})
}
