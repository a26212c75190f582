package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/suppress"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 64, cfg.MaxDepth)
	assert.Equal(t, 4096, cfg.MaxTreeNodes)
	assert.Empty(t, cfg.Platform)
	assert.False(t, cfg.Synchronous)
	require.Len(t, cfg.Overrides, 1)
	assert.Equal(t, "IL0004", cfg.Overrides[0].Rule)
	assert.Equal(t, diag.SeverityNone, cfg.Overrides[0].Severity)
	require.NoError(t, cfg.Validate())
}

func TestDefault_GeneratedDelegatesDropped(t *testing.T) {
	filter, err := suppress.NewFilter(Default().SeverityOverrides(), nil)
	require.NoError(t, err)

	findings := []diag.Finding{
		{ID: "generated", RuleID: "IL0004", Method: "Game.Player::<Update>b__0_0()", Severity: diag.SeverityInfo},
		{ID: "callback", RuleID: "IL0004", Method: "Game.Player::Update()", Severity: diag.SeverityInfo},
	}
	got := filter.Apply(findings)
	require.Len(t, got, 1)
	assert.Equal(t, "callback", got[0].ID)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "toml over defaults",
			file: "ilaudit.toml",
			content: `platform = "webgl"
modules = ["Game"]

[[overrides]]
rule = "API0003"
severity = "major"
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "webgl", cfg.Platform)
				assert.Equal(t, 64, cfg.MaxDepth, "unset keys keep defaults")
				assert.Equal(t, []string{"Game"}, cfg.Modules)
				assert.Equal(t, []Override{{Rule: "API0003", Severity: diag.SeverityMajor}}, cfg.Overrides)
			},
		},
		{
			name: "yaml over defaults",
			file: "ilaudit.yaml",
			content: `max_depth: 8
synchronous: true
rules: [IL0001, API0003]
overrides:
  - rule: IL0001
    method: "^Game\\.Tools::"
    severity: none
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.MaxDepth)
				assert.True(t, cfg.Synchronous)
				assert.Equal(t, []string{"IL0001", "API0003"}, cfg.Rules)
				assert.Equal(t, []Override{{Rule: "IL0001", Method: `^Game\.Tools::`, Severity: diag.SeverityNone}}, cfg.Overrides)
			},
		},
		{name: "negative depth", file: "c.yaml", content: "max_depth: -1\n", wantErr: "max_depth"},
		{name: "negative tree budget", file: "c.toml", content: "max_tree_nodes = -5\n", wantErr: "max_tree_nodes"},
		{name: "unknown severity", file: "c.yaml", content: "overrides:\n  - rule: IL0001\n    severity: huge\n", wantErr: "unknown severity"},
		{name: "override without rule", file: "c.toml", content: "[[overrides]]\nseverity = \"info\"\n", wantErr: "rule is required"},
		{name: "unsupported extension", file: "c.ini", content: "", wantErr: "unsupported extension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrInvalid)
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestConfig_Helpers(t *testing.T) {
	cfg := &Config{Modules: []string{"Game"}}
	assert.True(t, cfg.Analyzed("Game"))
	assert.False(t, cfg.Analyzed("UnityEngine"))
	assert.True(t, (&Config{}).Analyzed("UnityEngine"))

	assert.Equal(t, 64, cfg.Depth())
	cfg.MaxDepth = 3
	assert.Equal(t, 3, cfg.Depth())

	assert.Equal(t, 4096, cfg.TreeNodes())
	cfg.MaxTreeNodes = 10
	assert.Equal(t, 10, cfg.TreeNodes())

	cfg.Overrides = []Override{{Rule: "IL0001", Method: "Update", Severity: diag.SeverityInfo}}
	assert.Equal(t, []suppress.Override{{Rule: "IL0001", Method: "Update", Severity: diag.SeverityInfo}}, cfg.SeverityOverrides())
}
