package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	gohost "github.com/shirou/gopsutil/v4/host"
)

// MachineIDSource yields a best-effort stable identifier for the current
// device. It is an opaque correlation key, never verified hardware
// attestation, and never derived from user-supplied values.
type MachineIDSource interface {
	MachineID(ctx context.Context) (string, error)
}

// PlatformMachineID reads the host identifier from the operating system.
type PlatformMachineID struct{}

// MachineID returns the platform host id.
func (PlatformMachineID) MachineID(ctx context.Context) (string, error) {
	id, err := gohost.HostIDWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read platform host id: %w", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("platform host id is empty")
	}
	return id, nil
}

const generatedIDFileName = ".machine-id"

// GeneratedMachineID persists a random identifier under the config directory
// on first use and treats it as stable thereafter.
type GeneratedMachineID struct {
	ConfigDir string
}

// MachineID loads (or creates and persists) the generated identifier.
func (g GeneratedMachineID) MachineID(ctx context.Context) (string, error) {
	path := filepath.Join(g.ConfigDir, generatedIDFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read generated machine id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(g.ConfigDir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist generated machine id: %w", err)
	}
	return id, nil
}

// ResolveMachineID selects the platform source when it works and falls back
// to a generated-and-persisted identifier otherwise.
func ResolveMachineID(ctx context.Context, configDir string) (string, error) {
	if id, err := (PlatformMachineID{}).MachineID(ctx); err == nil {
		return id, nil
	} else {
		log.Warn().Err(err).Msg("Platform machine id unavailable, using generated identifier")
	}
	return GeneratedMachineID{ConfigDir: configDir}.MachineID(ctx)
}
