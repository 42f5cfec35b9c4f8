// Package mapping parses email replacement maps, from CLI arguments or
// from a HuJSON file.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tailscale/hujson"

	"gitveil/internal/veil"
)

// DefaultReplacement is the substitute address used when none is given.
const DefaultReplacement = "noreply@gitveil.invalid"

// GitHubNoreply derives GitHub's noreply address for a username.
func GitHubNoreply(username string) string {
	return username + "@users.noreply.github.com"
}

// ParseArg parses one "old-email[:new-email[:new-name]]" CLI argument. An
// empty replacement email is filled in later from the -r/-g options.
func ParseArg(arg string) (old string, repl veil.EmailReplacement, err error) {
	parts := strings.SplitN(arg, ":", 3)
	if parts[0] == "" {
		return "", veil.EmailReplacement{}, fmt.Errorf("%q is not in the format old-email[:new-email[:new-name]]", arg)
	}
	old = parts[0]
	if len(parts) > 1 {
		repl.Email = parts[1]
	}
	if len(parts) > 2 {
		repl.Name = parts[2]
	}
	return old, repl, nil
}

// LoadFile reads a replacement map from a HuJSON file (JSON with comments
// and trailing commas allowed). Each value uses the same
// "new-email[:new-name]" shorthand as the CLI:
//
//	{
//	    // published history should not carry work addresses
//	    "jane@corp.example": "jane@users.noreply.github.com",
//	    "bob@corp.example": "bob@example.org:Bob",
//	}
func LoadFile(path string) (map[string]veil.EmailReplacement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, veil.Configf("parsing mapping file %s: %v", path, err)
	}
	var raw map[string]string
	if err := json.Unmarshal(std, &raw); err != nil {
		return nil, veil.Configf("parsing mapping file %s: %v", path, err)
	}
	repl := make(map[string]veil.EmailReplacement, len(raw))
	for old, value := range raw {
		email, name, _ := strings.Cut(value, ":")
		if email == "" {
			email = DefaultReplacement
		}
		repl[old] = veil.EmailReplacement{Email: email, Name: name}
	}
	return repl, nil
}
