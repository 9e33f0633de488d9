package ir

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Namespace returns the namespace of a namespaced type string: the text before
// the first ".". It returns "" if typ is not namespaced.
func Namespace(typ string) string {
	ns, _, ok := strings.Cut(typ, ".")
	if !ok {
		return ""
	}
	return ns
}

// ParsedVersion returns the manifest's semantic version.
func (m PackManifest) ParsedVersion() (*semver.Version, error) {
	return semver.StrictNewVersion(m.Version)
}

// Declares reports whether the manifest owns the given event type.
func (m PackManifest) Declares(eventType string) bool {
	for _, t := range m.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// ValidateManifest checks a pack manifest: identity fields present, a strict
// semantic version, and every declared type inside the pack's namespace.
func ValidateManifest(m PackManifest) error {
	var c collector
	c.required("name", m.Name)
	if _, err := m.ParsedVersion(); err != nil {
		c.add("version", fmt.Sprintf("invalid semantic version %q: %v", m.Version, err))
	}
	if !namespacePattern.MatchString(m.Namespace) {
		c.add("namespace", fmt.Sprintf("must match %s", namespacePattern))
	}
	if len(m.CommandTypes) == 0 && len(m.EventTypes) == 0 {
		c.add("command_types", "a pack must declare at least one command or event type")
	}
	c.declared("command_types", m.Namespace, m.CommandTypes)
	c.declared("event_types", m.Namespace, m.EventTypes)
	return c.err()
}

func (c *collector) declared(field, namespace string, types []string) {
	seen := make(map[string]bool, len(types))
	for i, t := range types {
		p := fmt.Sprintf("%s[%d]", field, i)
		switch {
		case Namespace(t) != namespace || strings.TrimPrefix(t, namespace+".") == "":
			c.add(p, fmt.Sprintf("%q is outside namespace %q", t, namespace))
		case seen[t]:
			c.add(p, fmt.Sprintf("duplicate type %q", t))
		}
		seen[t] = true
	}
}
