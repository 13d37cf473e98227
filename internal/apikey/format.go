package apikey

import "strings"

// ValidFormat reports whether s looks like a key this generator could have
// produced: the marker followed by exactly SecretLen uppercase hex
// characters. It never touches the store.
func (g *Generator) ValidFormat(s string) bool {
	if len(s) != len(g.marker)+SecretLen || !strings.HasPrefix(s, g.marker) {
		return false
	}
	for i := len(g.marker); i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
