package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/vestsim/vestsim/sim"
)

// Fingerprint derives the content address of a configuration: sha256 over
// its RFC 8785 canonical JSON form. Structurally identical configs (same
// values regardless of how the source document ordered its keys) always map
// to the same fingerprint, which is what makes the result cache idempotent.
func Fingerprint(cfg *sim.Config) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config for fingerprint: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize config: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
