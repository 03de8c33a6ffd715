package session

import "strings"

// Artifact is one persisted authentication credential fragment (a cookie).
// The list order is preserved across save/load round trips.
type Artifact struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
}

// Valid reports whether the artifact carries the minimum fields required
// to install it into a browser session. Malformed entries are skipped
// rather than failing a whole restore.
func (a Artifact) Valid() bool {
	return a.Name != "" && a.Value != ""
}

// FilterByDomain returns the artifacts whose domain matches any of the
// given domains (suffix match, so ".example.com" matches
// "www.example.com"). With no domains it returns the input unchanged.
func FilterByDomain(artifacts []Artifact, domains []string) []Artifact {
	if len(domains) == 0 {
		return artifacts
	}

	var out []Artifact
	for _, a := range artifacts {
		for _, d := range domains {
			if matchesDomain(a.Domain, d) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func matchesDomain(artifactDomain, domain string) bool {
	artifactDomain = strings.TrimPrefix(artifactDomain, ".")
	domain = strings.TrimPrefix(domain, ".")
	return artifactDomain == domain || strings.HasSuffix(artifactDomain, "."+domain)
}
