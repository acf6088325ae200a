package hierarchy

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopguard/internal/classfile"
)

var shapes = Map{
	"app/Shape":  {Name: "app/Shape", Super: Object},
	"app/Circle": {Name: "app/Circle", Super: "app/Shape"},
	"app/Square": {Name: "app/Square", Super: "app/Shape"},
	"app/Unit":   {Name: "app/Unit", Super: "app/Square"},
	"app/Named":  {Name: "app/Named", Super: Object, Interface: true},
}

func testProvider() Provider { return Chain{shapes, Bootstrap} }

func TestCommonSuperclass(t *testing.T) {
	p := testProvider()
	tests := []struct {
		a, b, want string
	}{
		{"app/Circle", "app/Square", "app/Shape"},
		{"app/Unit", "app/Square", "app/Square"},
		{"app/Unit", "app/Circle", "app/Shape"},
		{"app/Circle", "app/Named", Object},
		{"java/lang/RuntimeException", "java/io/IOException", "java/lang/Exception"},
		{"[Lapp/Circle;", "[Lapp/Square;", "[Lapp/Shape;"},
		{"[I", "[J", Object},
		{"[[I", "[Ljava/lang/Object;", "[Ljava/lang/Object;"},
		{"[I", "app/Shape", Object},
	}
	for _, tt := range tests {
		got, err := CommonSuperclass(p, tt.a, tt.b)
		require.NoError(t, err, "%s ^ %s", tt.a, tt.b)
		assert.Equal(t, tt.want, got, "%s ^ %s", tt.a, tt.b)
	}
}

func TestCommonSuperclassUnknown(t *testing.T) {
	_, err := CommonSuperclass(testProvider(), "app/Circle", "app/Missing")
	require.Error(t, err)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "app/Missing", nf.Name)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestIsAssignable(t *testing.T) {
	p := testProvider()
	tests := []struct {
		to, from string
		want     bool
	}{
		{"app/Shape", "app/Unit", true},
		{"app/Circle", "app/Shape", false},
		{"app/Named", "app/Circle", true},
		{Object, "[I", true},
		{"java/lang/Cloneable", "[I", true},
		{"[Lapp/Shape;", "[Lapp/Circle;", true},
		{"[Lapp/Circle;", "[Lapp/Shape;", false},
		{"[I", "[J", false},
	}
	for _, tt := range tests {
		got, err := IsAssignable(p, tt.to, tt.from)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s <- %s", tt.to, tt.from)
	}
}

func writeClass(t *testing.T, name, super string) []byte {
	t.Helper()
	data, err := classfile.New(name, super, 52).Bytes()
	require.NoError(t, err)
	return data
}

func TestClasspathDirAndJar(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "Base.class"), writeClass(t, "app/Base", Object), 0o644))

	jarPath := filepath.Join(t.TempDir(), "lib.jar")
	f, err := os.Create(jarPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("lib/Derived.class")
	require.NoError(t, err)
	_, err = w.Write(writeClass(t, "lib/Derived", "app/Base"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	cp, err := OpenClasspath(dir + string(os.PathListSeparator) + jarPath)
	require.NoError(t, err)
	defer cp.Close()

	info, err := cp.Lookup("lib/Derived")
	require.NoError(t, err)
	assert.Equal(t, "app/Base", info.Super)

	got, err := CommonSuperclass(Chain{cp, Bootstrap}, "lib/Derived", "app/Base")
	require.NoError(t, err)
	assert.Equal(t, "app/Base", got)

	_, err = cp.Lookup("app/Nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = OpenClasspath(filepath.Join(dir, "missing.jar"))
	assert.Error(t, err)
}

type countingProvider struct {
	Provider
	calls atomic.Int64
}

func (c *countingProvider) Lookup(name string) (*Info, error) {
	c.calls.Add(1)
	return c.Provider.Lookup(name)
}

func TestCacheConcurrentLookups(t *testing.T) {
	counter := &countingProvider{Provider: testProvider()}
	cache, err := NewCache(counter, 16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				_, err := CommonSuperclass(cache, "app/Circle", "app/Unit")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// Five distinct names are resolved; racing first lookups may repeat a few.
	assert.LessOrEqual(t, counter.calls.Load(), int64(5*8))
	assert.Equal(t, 5, cache.Len())

}

func TestCacheRemembersMisses(t *testing.T) {
	counter := &countingProvider{Provider: testProvider()}
	cache, err := NewCache(counter, 16)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = cache.Lookup("app/Missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "app/Missing", nf.Name)
	}
	assert.Equal(t, int64(1), counter.calls.Load())
	assert.Equal(t, 1, cache.Len())

	_, err = CommonSuperclass(cache, "app/Circle", "app/Missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
