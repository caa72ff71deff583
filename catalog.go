package midiplay

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
)

// Catalog lists the files a player can load and opens them by identifier.
type Catalog interface {
	List() []string
	Resolve(id string) (io.ReadCloser, error)
}

// FSCatalog serves the MIDI files of one directory of a file system.
type FSCatalog struct {
	fsys fs.FS
	dir  string
}

func NewFSCatalog(fsys fs.FS, dir string) *FSCatalog {
	if dir == "" {
		dir = "."
	}
	return &FSCatalog{fsys: fsys, dir: dir}
}

func isMIDIFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".mid" || ext == ".midi" || ext == ".kar"
}

// List returns the MIDI file names of the directory in lexical order. An
// unreadable directory lists nothing.
func (c *FSCatalog) List() []string {
	entries, err := fs.ReadDir(c.fsys, c.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && isMIDIFile(e.Name()) {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out
}

func (c *FSCatalog) Resolve(id string) (io.ReadCloser, error) {
	if !isMIDIFile(id) || strings.Contains(id, "/") {
		return nil, fault.Wrap(ErrNotFound, fmsg.With(id))
	}
	f, err := c.fsys.Open(path.Join(c.dir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Wrap(ErrNotFound, fmsg.With(id))
		}
		return nil, fault.Wrap(err, fmsg.With("open "+id))
	}
	return f, nil
}
