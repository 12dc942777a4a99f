package session

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// emptyFieldSentinel normalizes "" and "never set" to the same digest input.
const emptyFieldSentinel = "empty"

// ContentFingerprint computes the deterministic fingerprint of a
// session's content fields. Each field is digested on its own first and
// the outer digest covers the code space plus the per-field digests, so
// identical text in different roles still produces distinct inputs.
// The digest is a content fingerprint, not a security primitive.
func ContentFingerprint(codeSpace CodeSpaceID, content Content) string {
	composite := fmt.Sprintf("space:%s|code:%s|html:%s|css:%s|transpiled:%s",
		codeSpace.String(),
		fieldDigest(content.Code),
		fieldDigest(content.HTML),
		fieldDigest(content.CSS),
		fieldDigest(content.Transpiled),
	)
	return fmt.Sprintf("%016x", xxhash.Sum64String(composite))
}

func fieldDigest(value string) string {
	if value == "" {
		value = emptyFieldSentinel
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(value))
}
