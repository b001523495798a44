package authority

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the License Authority's runtime configuration, sourced from
// the environment (optionally seeded from a .env file).
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// DataDir holds the SQLite database.
	DataDir string
	// AdminToken guards the admin surface. Either a plain token (compared in
	// constant time) or a bcrypt hash of one.
	AdminToken string
	// StripeWebhookSecret verifies billing-event signatures. When empty the
	// webhook endpoint rejects all events.
	StripeWebhookSecret string
	LogLevel            string
	LogFormat           string
}

// DatabasePath returns the full path of the authority database file.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "licensing.db")
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real environment variables
// win over .env entries.
func LoadConfig() (Config, error) {
	// godotenv does not override variables that are already set.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:          envOr("DRAFTDESK_LICENSED_ADDR", ":8787"),
		DataDir:             envOr("DRAFTDESK_DATA_DIR", "./data"),
		AdminToken:          strings.TrimSpace(os.Getenv("DRAFTDESK_ADMIN_TOKEN")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		LogLevel:            envOr("DRAFTDESK_LOG_LEVEL", "info"),
		LogFormat:           envOr("DRAFTDESK_LOG_FORMAT", "auto"),
	}

	if cfg.AdminToken == "" {
		return Config{}, errors.New("DRAFTDESK_ADMIN_TOKEN must be set; the admin surface cannot run unauthenticated")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
