package ssh

import (
	"encoding/binary"
	"fmt"
)

// readUint32 reads a big-endian uint32 at the start of b, returning the
// value and the remainder of b.
func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("%w: truncated uint32", ErrFraming)
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

// readString reads an SSH string (uint32 length + bytes) at the start of
// b, returning the string bytes and the remainder.
func readString(b []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, fmt.Errorf("%w: truncated string", ErrFraming)
	}
	return rest[:n], rest[n:], nil
}

// parseDisconnect parses an SSH_MSG_DISCONNECT body (after the message
// type byte): uint32 reason code, string description, string language tag.
func parseDisconnect(body []byte) (code uint32, reason string) {
	code, rest, err := readUint32(body)
	if err != nil {
		return 0, ""
	}
	desc, _, err := readString(rest)
	if err != nil {
		return code, ""
	}
	return code, string(desc)
}

// parseDebug parses an SSH_MSG_DEBUG body (after the message type byte):
// boolean always_display, string message, string language tag.
func parseDebug(body []byte) (alwaysDisplay bool, message string) {
	if len(body) < 1 {
		return false, ""
	}
	alwaysDisplay = body[0] != 0
	msg, _, err := readString(body[1:])
	if err != nil {
		return alwaysDisplay, ""
	}
	return alwaysDisplay, string(msg)
}

// parseExtInfo parses an SSH_MSG_EXT_INFO body: uint32 count, then that
// many (string name, string value) pairs.
func parseExtInfo(body []byte) (map[string][]byte, error) {
	count, rest, err := readUint32(body)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		var name, value []byte
		name, rest, err = readString(rest)
		if err != nil {
			return nil, err
		}
		value, rest, err = readString(rest)
		if err != nil {
			return nil, err
		}
		out[string(name)] = value
	}
	return out, nil
}

// sanitizeDisplayText implements the §4.5 truncation/replacement policy
// applied to DISCONNECT and DEBUG text before it is surfaced to callers or
// logged: truncate to 255 runes (replacing the last three with "..."), and
// replace any rune outside printable ASCII (32..126) with U+FFFD.
func sanitizeDisplayText(s string) string {
	runes := []rune(s)
	cleaned := make([]rune, 0, len(runes))
	for _, r := range runes {
		if r < 32 || r > 126 {
			cleaned = append(cleaned, '�')
			continue
		}
		cleaned = append(cleaned, r)
	}
	if len(cleaned) > 255 {
		cleaned = append(cleaned[:252], '.', '.', '.')
	}
	return string(cleaned)
}
