package cloudproto

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/cuemby/ledger/internal/ledgererr"
)

// illegalKeyChars mirrors the document service's reserved path characters;
// EncodeKey base64url-encodes any key that would contain one verbatim.
const illegalKeyChars = ".$#[]/+"

// EncodeValue encodes arbitrary bytes for the document channel: valid,
// printable UTF-8 is stored verbatim with a "V" trailer byte so it stays
// readable in the raw document tree; anything else is base64url-encoded
// with a "B" trailer. Decode reverses either form given only the trailer.
func EncodeValue(data []byte) string {
	return encode(data, canBeVerbatim(data))
}

// EncodeKey is EncodeValue plus a check that the bytes don't collide with
// characters the document service reserves in paths.
func EncodeKey(data []byte) string {
	return encode(data, canBeVerbatim(data) && !containsAny(data, illegalKeyChars))
}

func encode(data []byte, verbatim bool) string {
	if verbatim {
		return string(data) + "V"
	}
	return base64.URLEncoding.EncodeToString(data) + "B"
}

// DecodeValue reverses EncodeValue/EncodeKey.
func DecodeValue(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: empty encoded value", ledgererr.DataIntegrity)
	}
	body, trailer := s[:len(s)-1], s[len(s)-1]
	switch trailer {
	case 'V':
		return []byte(body), nil
	case 'B':
		decoded, err := base64.URLEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: decode base64url value: %v", ledgererr.DataIntegrity, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized value trailer %q", ledgererr.DataIntegrity, trailer)
	}
}

func canBeVerbatim(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b <= 31 || b == 127 || b == '"' || b == '\\' {
			return false
		}
	}
	return true
}

func containsAny(data []byte, chars string) bool {
	for _, b := range data {
		for i := 0; i < len(chars); i++ {
			if b == chars[i] {
				return true
			}
		}
	}
	return false
}
