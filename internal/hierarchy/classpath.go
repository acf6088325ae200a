package hierarchy

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"loopguard/internal/classfile"
)

// Classpath resolves classes from directories and jar archives, searched
// in the order given.
type Classpath struct {
	entries []cpEntry
	jars    []*zip.ReadCloser
}

type cpEntry struct {
	dir   string
	files map[string]*zip.File // non-nil for jars
}

// OpenClasspath opens every directory and jar in paths. A path list may
// also be a single string joined with os.PathListSeparator.
func OpenClasspath(paths ...string) (*Classpath, error) {
	cp := &Classpath{}
	for _, p := range paths {
		for _, elem := range filepath.SplitList(p) {
			if elem == "" {
				continue
			}
			if err := cp.add(elem); err != nil {
				cp.Close()
				return nil, err
			}
		}
	}
	return cp, nil
}

func (cp *Classpath) add(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "classpath: %s", path)
	}
	if st.IsDir() {
		cp.entries = append(cp.entries, cpEntry{dir: path})
		return nil
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrapf(err, "classpath: open jar %s", path)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".class") {
			files[strings.TrimSuffix(f.Name, ".class")] = f
		}
	}
	cp.jars = append(cp.jars, zr)
	cp.entries = append(cp.entries, cpEntry{files: files})
	return nil
}

// Lookup implements Provider.
func (cp *Classpath) Lookup(name string) (*Info, error) {
	if IsArray(name) {
		return nil, &NotFoundError{Name: name}
	}
	for _, e := range cp.entries {
		data, ok, err := e.read(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		c, err := classfile.Parse(data)
		if err != nil {
			return nil, errors.Wrapf(err, "classpath: %s", name)
		}
		return FromClass(c), nil
	}
	return nil, &NotFoundError{Name: name}
}

func (e cpEntry) read(name string) ([]byte, bool, error) {
	if e.files == nil {
		data, err := os.ReadFile(filepath.Join(e.dir, filepath.FromSlash(name)+".class"))
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return data, err == nil, err
	}
	f, ok := e.files[name]
	if !ok {
		return nil, false, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, false, errors.Wrapf(err, "classpath: open %s", f.Name)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, errors.Wrapf(err, "classpath: read %s", f.Name)
	}
	return data, true, nil
}

// Close releases open jar files.
func (cp *Classpath) Close() error {
	var result *multierror.Error
	for _, zr := range cp.jars {
		if err := zr.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	cp.jars = nil
	return result.ErrorOrNil()
}
