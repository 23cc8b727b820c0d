package federation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// loadOrCreateState returns the provider's CSRF state token, persisted under
// the state directory so it survives restarts. Authorization redirects issued
// before a restart stay redeemable.
func loadOrCreateState(stateDir, providerID string) (string, error) {
	path := filepath.Join(stateDir, "oauth-state-"+providerID)
	data, err := os.ReadFile(path)
	if err == nil {
		state := strings.TrimSpace(string(data))
		if state != "" {
			return state, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading state file %s: %w", path, err)
	}
	state := uuid.NewString()
	if err := os.WriteFile(path, []byte(state), 0o600); err != nil {
		return "", fmt.Errorf("writing state file %s: %w", path, err)
	}
	return state, nil
}
