// Package persist keeps small node state crash-safe on disk.
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

type replicas interface {
	Read() ([]byte, error)
	io.Writer
}

// File is one extremofile directory root/tag.
// Zero File (disabled) reads as empty and drops writes.
type File struct {
	mu  sync.Mutex
	log *log2.Log
	tag string
	ef  replicas
}

func OpenFile(tag, root string, enabled bool, log *log2.Log) (*File, error) {
	f := &File{tag: tag, log: log}
	if !enabled {
		log.Debugf("persist %s disabled", tag)
		return f, nil
	}
	if root == "" {
		return nil, errors.NotValidf("persist %s enabled but root=empty", tag)
	}
	f.ef = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return f, nil
}

func (f *File) Enabled() bool { return f.ef != nil }

// Load decodes stored content into dst, found=false on fresh or disabled storage.
// Damaged replicas are logged while a healthy one remains.
func (f *File) Load(dst encoding.BinaryUnmarshaler) (found bool, err error) {
	if f.ef == nil {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tbegin := time.Now()
	b, err := f.ef.Read()
	f.log.Debugf("persist %s read duration=%v", f.tag, time.Since(tbegin))
	switch {
	case b != nil:
		if err != nil {
			f.log.Errorf("persist %s ignore non-critical err=%v", f.tag, err)
		}
		return true, errors.Annotatef(dst.UnmarshalBinary(b), "persist %s decode", f.tag)
	case err != nil && !extremofile.IsCritical(err):
		f.log.Debugf("persist %s empty err=%v", f.tag, err)
		return false, nil
	}
	return false, errors.Annotatef(err, "persist %s read", f.tag)
}

// Store encodes src and writes it through before returning.
func (f *File) Store(src encoding.BinaryMarshaler) error {
	if f.ef == nil {
		return nil
	}
	b, err := src.MarshalBinary()
	if err != nil {
		return errors.Annotatef(err, "persist %s encode", f.tag)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tbegin := time.Now()
	_, err = f.ef.Write(b)
	f.log.Debugf("persist %s write duration=%v", f.tag, time.Since(tbegin))
	return errors.Annotatef(err, "persist %s write", f.tag)
}
