// Package batch instruments class files found in directories and jars.
// Classes are independent, so they are rewritten in parallel.
package batch

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"loopguard/internal/instrument"
)

// Options controls a batch run.
type Options struct {
	Settings instrument.Settings
	// Jobs bounds the number of classes rewritten at once. Zero means
	// GOMAXPROCS.
	Jobs int
	// KeepGoing collects per-class failures instead of stopping at the
	// first one.
	KeepGoing bool
	// ArtifactDir receives auxiliary output such as CFG graphs. Artifacts
	// are dropped when it is empty.
	ArtifactDir string
}

// Stats counts what a run did.
type Stats struct {
	Classes      int `json:"classes"`      // class files seen
	Instrumented int `json:"instrumented"`
	Skipped      int `json:"skipped"`      // already carried the current marker
	Failed       int `json:"failed"`
	Copied       int `json:"copied"`       // non-class files passed through
}

// Runner rewrites trees of class files with one Instrumenter.
type Runner struct {
	in  *instrument.Instrumenter
	opt Options
	log zerolog.Logger

	mu    sync.Mutex
	stats Stats
	errs  *multierror.Error
}

// New returns a Runner.
func New(in *instrument.Instrumenter, opt Options, log zerolog.Logger) *Runner {
	if opt.Jobs <= 0 {
		opt.Jobs = runtime.GOMAXPROCS(0)
	}
	return &Runner{in: in, opt: opt, log: log}
}

// IsClass reports whether name looks like a class file.
func IsClass(name string) bool { return strings.HasSuffix(name, ".class") }

// IsArchive reports whether name looks like a jar or zip file.
func IsArchive(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jar" || ext == ".zip"
}

// Run instruments src into dst. src is a class file, a jar or zip, or a
// directory tree; dst takes the same form. With KeepGoing set, the returned
// error is a *multierror.Error listing every failed class.
func (r *Runner) Run(ctx context.Context, src, dst string) (Stats, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return Stats{}, err
	}
	switch {
	case fi.IsDir():
		err = r.runDir(ctx, src, dst)
	case IsArchive(src):
		err = r.runJar(ctx, src, dst)
	default:
		err = r.runFile(src, dst)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		err = r.errs.ErrorOrNil()
	}
	return r.stats, err
}

// class instruments one class. A nil result with a nil error means the
// failure was recorded and the caller should copy the input unchanged.
func (r *Runner) class(name string, data []byte) ([]byte, error) {
	res, err := r.in.Instrument(data, r.opt.Settings)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Classes++
	if err != nil {
		r.stats.Failed++
		err = errors.Wrap(err, name)
		r.log.Error().Err(err).Str("file", name).Msg("instrumentation failed")
		if !r.opt.KeepGoing {
			return nil, err
		}
		r.errs = multierror.Append(r.errs, err)
		return nil, nil
	}
	if res.Instrumented {
		r.stats.Instrumented++
		r.log.Debug().Str("file", name).Msg("instrumented")
	} else {
		r.stats.Skipped++
		r.log.Debug().Str("file", name).Msg("already instrumented")
	}
	if err := r.writeArtifacts(res.Artifacts); err != nil {
		return nil, err
	}
	return res.Class, nil
}

func (r *Runner) writeArtifacts(artifacts map[string][]byte) error {
	if r.opt.ArtifactDir == "" || len(artifacts) == 0 {
		return nil
	}
	if err := os.MkdirAll(r.opt.ArtifactDir, 0755); err != nil {
		return errors.Wrap(err, "artifact dir")
	}
	for name, data := range artifacts {
		if err := os.WriteFile(filepath.Join(r.opt.ArtifactDir, name), data, 0644); err != nil {
			return errors.Wrapf(err, "write artifact %s", name)
		}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (r *Runner) runFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if !IsClass(src) {
		r.mu.Lock()
		r.stats.Copied++
		r.mu.Unlock()
		return writeFile(dst, data)
	}
	out, err := r.class(src, data)
	if err != nil {
		return err
	}
	if out == nil {
		// Failed under KeepGoing: pass the class through, as jars do.
		out = data
	}
	return writeFile(dst, out)
}

func (r *Runner) runDir(ctx context.Context, src, dst string) error {
	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opt.Jobs)
	for _, path := range files {
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return r.runFile(path, filepath.Join(dst, rel))
		})
	}
	return g.Wait()
}

func (r *Runner) runJar(ctx context.Context, src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return errors.Wrap(err, "open jar")
	}
	defer zr.Close()

	// Rewritten classes land here by entry index; the archive is written
	// afterwards in the original entry order.
	out := make([][]byte, len(zr.File))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opt.Jobs)
	for i, f := range zr.File {
		if !IsClass(f.Name) || f.FileInfo().IsDir() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := readEntry(f)
			if err != nil {
				return errors.Wrap(err, f.Name)
			}
			out[i], err = r.class(f.Name, data)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	fw, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(fw)
	for i, f := range zr.File {
		if out[i] == nil {
			// Resources, directories and failed classes pass through untouched.
			if err := zw.Copy(f); err != nil {
				fw.Close()
				return errors.Wrap(err, f.Name)
			}
			if !IsClass(f.Name) {
				r.mu.Lock()
				r.stats.Copied++
				r.mu.Unlock()
			}
			continue
		}
		hdr := f.FileHeader
		hdr.Method = zip.Deflate
		hdr.CompressedSize64, hdr.UncompressedSize64, hdr.CRC32 = 0, 0, 0
		w, err := zw.CreateHeader(&hdr)
		if err == nil {
			_, err = w.Write(out[i])
		}
		if err != nil {
			fw.Close()
			return errors.Wrap(err, f.Name)
		}
	}
	if err := zw.Close(); err != nil {
		fw.Close()
		return err
	}
	return fw.Close()
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
