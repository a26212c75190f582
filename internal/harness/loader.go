package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"
	yaml "gopkg.in/yaml.v3"

	"github.com/stretchr/testify/require"

	"github.com/715d/ilaudit/pkg/assembly"
	"github.com/715d/ilaudit/pkg/module"
)

const (
	expectedFile = "expected.yaml"

	// prebuiltDir holds listings assembled into read-only module images
	// before the audit runs: lib/Vendor.il becomes lib/Vendor.imod.
	prebuiltDir = "lib"
)

// LoadTestCase extracts a txtar fixture into a temporary directory and
// parses its expected.yaml.
func LoadTestCase(t *testing.T, path string) *TestCase {
	t.Helper()
	ar, err := txtar.ParseFile(path)
	require.NoError(t, err)

	dir := t.TempDir()
	tc := &TestCase{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Dir:  dir,
	}

	var expected []byte
	for _, f := range ar.Files {
		if f.Name == expectedFile {
			expected = f.Data
			continue
		}
		dst := filepath.Join(dir, filepath.FromSlash(f.Name))
		require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
		require.NoError(t, os.WriteFile(dst, f.Data, 0o644))
	}
	require.NotNil(t, expected, "%s: missing %s", path, expectedFile)
	require.NoError(t, yaml.Unmarshal(expected, tc))
	if tc.Manifest == "" {
		tc.Manifest = "project.yaml"
	}

	assemblePrebuilt(t, filepath.Join(dir, prebuiltDir))
	return tc
}

// assemblePrebuilt turns every listing in dir into a module image next to it.
func assemblePrebuilt(t *testing.T, dir string) {
	t.Helper()
	listings, err := filepath.Glob(filepath.Join(dir, "*.il"))
	require.NoError(t, err)
	for _, path := range listings {
		mod, err := assembly.AssembleFile(path)
		require.NoError(t, err)
		image := strings.TrimSuffix(path, filepath.Ext(path)) + module.Extension
		require.NoError(t, module.WriteFile(image, mod))
	}
}
