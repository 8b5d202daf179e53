// Package flpaths resolves Flatline's on-disk state layout.
package flpaths

import (
	"os"
	"path/filepath"
)

// Paths is the resolved filesystem layout under the supervisor's state root,
// by default ~/.wintermute/flatline/.
type Paths struct {
	Root string

	stateDB       string
	diagnoses     string
	patches       string
	updates       string
	pending       string
	quarantine    string
}

// Resolve builds a Paths rooted at root, creating no directories itself.
func Resolve(root string) Paths {
	updates := filepath.Join(root, "updates")
	return Paths{
		Root:       root,
		stateDB:    filepath.Join(root, "state.db"),
		diagnoses:  filepath.Join(root, "diagnoses"),
		patches:    filepath.Join(root, "patches"),
		updates:    updates,
		pending:    filepath.Join(updates, "pending"),
		quarantine: filepath.Join(root, "quarantine"),
	}
}

// Default resolves Paths under the user's home directory at
// ~/.wintermute/flatline.
func Default() (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, err
	}
	return Resolve(filepath.Join(home, ".wintermute", "flatline")), nil
}

func (p Paths) StateDB() string      { return p.stateDB }
func (p Paths) Diagnoses() string    { return p.diagnoses }
func (p Paths) Patches() string      { return p.patches }
func (p Paths) UpdatesDir() string   { return p.updates }
func (p Paths) PendingDir() string   { return p.pending }
func (p Paths) QuarantineDir() string { return p.quarantine }

// EnsureDirs creates every directory this layout needs, leaving state.db's
// creation to the store (which creates it on first open).
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.diagnoses, p.patches, p.updates, p.pending, p.quarantine} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return nil
}
