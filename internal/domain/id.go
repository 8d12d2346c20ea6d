package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns an opaque, server-generated identifier with the given
// resource prefix. The core never ascribes structure to these strings beyond
// what NewEvidenceID documents below.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEvidenceID embeds a creation timestamp and a random suffix for
// uniqueness, matching the identifiers section of the external interface
// description. It is still treated as opaque by callers.
func NewEvidenceID(now time.Time) string {
	return fmt.Sprintf("ev_%d_%s", now.UnixNano(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
