package ldm7

import "path"

// globMatch matches a product identifier against a shell-glob pattern,
// using path.Match since identifiers are "/"-separated (e.g.
// "EXP/TEST/1") and path.Match treats "/" specially the way glob-style
// identifier filters are expected to.
func globMatch(pattern, identifier string) (bool, error) {
	return path.Match(pattern, identifier)
}
