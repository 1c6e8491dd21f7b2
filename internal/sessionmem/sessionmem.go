// Package sessionmem implements the multicast session memory of
// spec.md §4.E: a per-(peer, feed) persistent record of the signature
// of the last product successfully received via multicast in a prior
// session.
//
// The file format is YAML (gopkg.in/yaml.v3, the format the
// teacher project and the rest of the retrieval pack standardize on)
// at path <dir>/<peer>_<feed>.yaml, matching spec.md §6's "plaintext
// key-value, stable human-readable format" requirement.
package sessionmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ldm7/ldm7"
	"gopkg.in/yaml.v3"
)

type record struct {
	Signature string `yaml:"signature"`
}

// Memory is an open session-memory file for one (peer, feed) pair.
type Memory struct {
	mu   sync.Mutex
	path string

	hasLast   bool
	lastMcast ldm7.Signature
}

// Path returns the file path for a (dir, peer, feed) triple, matching
// spec.md §6's `<log_dir>/<peer>_<feed>.yaml` convention.
func Path(dir, peer, feed string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.yaml", peer, feed))
}

// Open reads the session memory for (peer, feed) under dir, creating an
// empty in-memory record if no file exists yet.
func Open(dir, peer, feed string) (*Memory, error) {
	path := Path(dir, peer, feed)
	m := &Memory{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, ldm7.WrapError("sessionmem.Open", ldm7.IO, err)
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, ldm7.WrapError("sessionmem.Open", ldm7.Corrupt, err)
	}
	if rec.Signature != "" {
		sig, err := ldm7.ParseSignature(rec.Signature)
		if err != nil {
			return nil, ldm7.WrapError("sessionmem.Open", ldm7.Corrupt, err)
		}
		m.lastMcast = sig
		m.hasLast = true
	}
	return m, nil
}

// GetLastMcast returns the last multicast-received signature recorded,
// and whether one has ever been set.
func (m *Memory) GetLastMcast() (ldm7.Signature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMcast, m.hasLast
}

// SetLastMcast atomically rewrites the record with sig: write-temp then
// rename, so a reader never observes a partial file.
func (m *Memory) SetLastMcast(sig ldm7.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := record{Signature: sig.String()}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return ldm7.WrapError("sessionmem.SetLastMcast", ldm7.Invalid, err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return ldm7.WrapError("sessionmem.SetLastMcast", ldm7.IO, err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ldm7.WrapError("sessionmem.SetLastMcast", ldm7.IO, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return ldm7.WrapError("sessionmem.SetLastMcast", ldm7.IO, err)
	}

	m.lastMcast = sig
	m.hasLast = true
	return nil
}

// Close releases in-process resources. The file itself needs no
// explicit close since every write is already complete-and-renamed.
func (m *Memory) Close() error {
	return nil
}

// Delete removes the session memory file for (peer, feed) under dir, if
// present.
func Delete(dir, peer, feed string) error {
	err := os.Remove(Path(dir, peer, feed))
	if err != nil && !os.IsNotExist(err) {
		return ldm7.WrapError("sessionmem.Delete", ldm7.IO, err)
	}
	return nil
}
