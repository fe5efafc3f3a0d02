package toolgateway

import (
	"fmt"
	"sort"
	"strings"
)

// AmbiguousToolError reports a suffix match that hit tools from more than
// one provider. The caller gets the candidate full names instead of a guess.
type AmbiguousToolError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousToolError) Error() string {
	return fmt.Sprintf("tool name %q is ambiguous, candidates: %s", e.Name, strings.Join(e.Candidates, ", "))
}

// normalizeName lowercases and unifies separators so that "Create-Page" and
// "create_page" compare equal.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

// Resolve maps a requested tool name to a registered tool. Exact match
// (after normalization) wins; otherwise an unprefixed name is matched as a
// suffix across "provider__name" tools. A suffix hit spanning more than one
// provider fails with *AmbiguousToolError.
func (s *Set) Resolve(name string) (Tool, error) {
	want := normalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for full, tool := range s.tools {
		if normalizeName(full) == want {
			return tool, nil
		}
	}

	var candidates []string
	providers := make(map[string]struct{})
	for full, tool := range s.tools {
		if strings.HasSuffix(normalizeName(full), "__"+want) {
			candidates = append(candidates, full)
			providers[tool.Provider] = struct{}{}
		}
	}

	sort.Strings(candidates)

	switch {
	case len(candidates) == 0:
		return Tool{}, fmt.Errorf("tool not found: %s", name)
	case len(providers) > 1:
		return Tool{}, &AmbiguousToolError{Name: name, Candidates: candidates}
	default:
		return s.tools[candidates[0]], nil
	}
}
