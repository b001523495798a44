package licensing

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	// KeyProductTag prefixes every key issued by the License Authority.
	KeyProductTag = "DDSK"
	// offlineTrialTag prefixes keys minted locally when the Authority is
	// unreachable during trial start. They are never accepted by the server.
	offlineTrialTag = "TRIA"

	keyGroups    = 4
	keyGroupSize = 2 // random bytes per group, rendered as 4 hex chars
)

var keyPattern = regexp.MustCompile(`^[A-Z]{4}(-[0-9A-F]{4}){4}$`)

// GenerateKey produces a new license key: the product tag followed by four
// groups of four uppercase hex characters, e.g. DDSK-4F2A-9C01-B7E3-2D44.
// The random portion carries no structure about account, plan or timestamp.
// Uniqueness must be checked by the caller against existing keys.
func GenerateKey() (string, error) {
	return generateKeyWithTag(KeyProductTag)
}

// GenerateOfflineTrialKey produces a key for a locally issued offline trial.
func GenerateOfflineTrialKey() (string, error) {
	return generateKeyWithTag(offlineTrialTag)
}

func generateKeyWithTag(tag string) (string, error) {
	groups := make([]string, 0, keyGroups+1)
	groups = append(groups, tag)
	buf := make([]byte, keyGroupSize)
	for i := 0; i < keyGroups; i++ {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate license key: %w", err)
		}
		groups = append(groups, strings.ToUpper(fmt.Sprintf("%02x%02x", buf[0], buf[1])))
	}
	return strings.Join(groups, "-"), nil
}

// ValidKeyFormat reports whether s looks like a DraftDesk license key.
// It does not imply the key exists; only the Authority can decide that.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(strings.TrimSpace(s))
}

// IsOfflineTrialKey reports whether the key was minted locally by the agent's
// offline trial fallback rather than by the Authority.
func IsOfflineTrialKey(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), offlineTrialTag+"-")
}
