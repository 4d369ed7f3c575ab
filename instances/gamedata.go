package instances

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

const gameFileName = "game.archipelago"

// GameData stores the uploaded game-data payload of each instance at
// <dir>/<id>/game.archipelago.
type GameData struct {
	fs  afero.Fs
	dir string
}

// NewGameData returns a GameData rooted at dir. dir is made absolute so the
// path handed to the game server does not depend on its working directory.
func NewGameData(fs afero.Fs, dir string) (*GameData, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir %q: %w", dir, err)
	}
	if err := fs.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %q: %w", abs, err)
	}
	return &GameData{fs: fs, dir: abs}, nil
}

// Dir returns the directory holding the files of one instance.
func (g *GameData) Dir(id int64) string {
	return filepath.Join(g.dir, strconv.FormatInt(id, 10))
}

// Path returns the location of the game-data file of one instance.
func (g *GameData) Path(id int64) string {
	return filepath.Join(g.Dir(id), gameFileName)
}

func (g *GameData) Exists(id int64) (bool, error) {
	return afero.Exists(g.fs, g.Path(id))
}

// Write replaces the game-data file of an instance with the contents of r and
// returns the number of bytes written. The payload is written to a temporary
// file first so a failed upload never leaves a truncated file behind.
func (g *GameData) Write(id int64, r io.Reader) (int64, error) {
	if err := g.fs.MkdirAll(g.Dir(id), 0o755); err != nil {
		return 0, err
	}

	tmp, err := afero.TempFile(g.fs, g.Dir(id), gameFileName+".*.tmp")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = ErrEmptyPayload
	}
	if err != nil {
		g.fs.Remove(tmp.Name())
		return 0, err
	}

	if err := g.fs.Rename(tmp.Name(), g.Path(id)); err != nil {
		g.fs.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// Remove deletes the instance directory and everything in it.
func (g *GameData) Remove(id int64) error {
	err := g.fs.RemoveAll(g.Dir(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
