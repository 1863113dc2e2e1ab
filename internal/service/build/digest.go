package build

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/airliftapp/airlift/pkg/crypto"
)

// sourceDigest hashes the deployment identity, source files, and runtime env
// into a stable content address. Equal inputs always map to the same image
// tag, so rebuilding an unchanged revision reuses the artifact.
func sourceDigest(deploymentID string, files map[string]string, env map[string]string) string {
	h := sha256.New()
	h.Write([]byte(deploymentID))
	h.Write([]byte{0})

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(files[name]))
		h.Write([]byte{0})
	}

	for _, key := range crypto.SortedKeys(env) {
		h.Write([]byte(key))
		h.Write([]byte{'='})
		h.Write([]byte(env[key]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
