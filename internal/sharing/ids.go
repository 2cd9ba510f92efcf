package sharing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// shareTokenBytes is the share token entropy (256 bits).
const shareTokenBytes = 32

// maxTokenAttempts bounds re-rolls after a token collision.
const maxTokenAttempts = 5

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a UUIDv7 string for documents, permissions and edges.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// newNotificationID returns a time-sortable ULID.
func newNotificationID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// TokenSource produces share tokens. Tokens are bearer capabilities and
// must come from a cryptographically secure source.
type TokenSource func() (string, error)

// RandomToken returns 256 random bits rendered as hex.
func RandomToken() (string, error) {
	b := make([]byte, shareTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
