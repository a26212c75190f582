package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/module"
)

const playerIL = `.class Game.Player : UnityEngine.MonoBehaviour
.method virtual Update()
  .line Player.cs 3
  ret
.end
`

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestLoadManifest(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name: "yaml",
			file: "project.yaml",
			content: `name: demo
modules:
  - name: Game
    sources: ["src/*.il"]
references:
  - name: Engine
    path: lib/Engine.imod
search_dirs: [lib]
`,
		},
		{
			name: "toml",
			file: "project.toml",
			content: `name = "demo"
search_dirs = ["lib"]

[[modules]]
name = "Game"
sources = ["src/*.il"]

[[references]]
name = "Engine"
path = "lib/Engine.imod"
`,
		},
		{name: "unknown extension", file: "project.json", content: "{}", wantErr: "unsupported extension"},
		{name: "no modules", file: "project.yaml", content: "name: demo\n", wantErr: "no modules"},
		{
			name:    "duplicate module",
			file:    "project.yaml",
			content: "modules:\n  - name: Game\n  - name: Game\n",
			wantErr: "duplicate module Game",
		},
		{
			name:    "reference without path",
			file:    "project.yaml",
			content: "references:\n  - name: Engine\n",
			wantErr: "without path",
		},
		{name: "malformed yaml", file: "project.yaml", content: "modules: [", wantErr: "invalid manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			m, err := LoadManifest(path)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrManifest)
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "demo", m.Name)
			assert.Equal(t, []SourceModule{{Name: "Game", Sources: []string{"src/*.il"}}}, m.Modules)
			assert.Equal(t, []Reference{{Name: "Engine", Path: "lib/Engine.imod"}}, m.References)
			assert.Equal(t, []string{filepath.Join(dir, "lib")}, m.ResolvedSearchDirs())
			assert.Equal(t, filepath.Join(dir, ".ilaudit", "build"), m.OutputDir())
		})
	}
}

func TestManifestCompiler_Compile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"src/player.il": playerIL,
		"broken/bad.il": ".class Game.Bad\n.method M()\n  frobnicate\n.end\n",
		"project.yaml": `modules:
  - name: Game
    sources: ["src/*.il"]
  - name: Broken
    sources: ["broken/*.il"]
  - name: Empty
    sources: ["nothing/*.il"]
references:
  - path: lib/Engine.imod
output: out
`,
	})
	m, err := LoadManifest(filepath.Join(dir, "project.yaml"))
	require.NoError(t, err)

	out, err := NewManifestCompiler(m).Compile(context.Background())
	require.NoError(t, err)

	require.Len(t, out.Modules, 2)
	local := out.Local()
	require.Len(t, local, 1)
	assert.Equal(t, "Game", local[0].Name)
	assert.Equal(t, filepath.Join(dir, "out", "Game"+module.Extension), local[0].Path)
	assert.True(t, local[0].CompileDuration > 0)

	ro := out.ReadOnly()
	require.Len(t, ro, 1)
	assert.Equal(t, "Engine", ro[0].Name)
	assert.Equal(t, filepath.Join(dir, "lib", "Engine.imod"), ro[0].Path)
	assert.Zero(t, ro[0].CompileDuration)

	require.Len(t, out.Messages, 2)
	syntax := out.Messages[0]
	assert.Equal(t, "Broken", syntax.Module)
	assert.Equal(t, CodeSyntax, syntax.Code)
	assert.Equal(t, diag.SeverityCritical, syntax.Severity)
	assert.Equal(t, "broken/bad.il", syntax.File)
	assert.Equal(t, 3, syntax.Line)
	assert.Equal(t, CodeNoSources, out.Messages[1].Code)

	mod, err := module.Load(local[0].Path, nil)
	require.NoError(t, err)
	assert.Equal(t, "Game", mod.Name)
	require.Len(t, mod.Methods, 1)
	assert.Equal(t, "Game.Player::Update()", mod.Methods[0].FullName())
}

func TestManifestCompiler_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"src/player.il": playerIL,
		"project.toml":  "[[modules]]\nname = \"Game\"\nsources = [\"src/*.il\"]\n",
	})
	m, err := LoadManifest(filepath.Join(dir, "project.toml"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewManifestCompiler(m).Compile(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
