package suppress

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/ilaudit/pkg/diag"
)

func TestSuppressionChecker_NewChecker(t *testing.T) {
	checker := NewChecker()

	require.NotNil(t, checker, "NewChecker returned nil")
	require.NotNil(t, checker.files, "Expected files map to be initialized")
}

func TestSuppressionChecker_ParseComment(t *testing.T) {
	tests := []struct {
		name           string
		comment        string
		expectedType   SuppressionType
		expectedRules  []string
		expectedReason string
		expectParsed   bool
	}{
		{
			name:          "nolint single rule",
			comment:       "//nolint:IL0001",
			expectedType:  SuppressionNolint,
			expectedRules: []string{"IL0001"},
			expectParsed:  true,
		},
		{
			name:           "nolint with reason",
			comment:        "//nolint:IL0001 // pooled at startup",
			expectedType:   SuppressionNolint,
			expectedRules:  []string{"IL0001"},
			expectedReason: "pooled at startup",
			expectParsed:   true,
		},
		{
			name:          "nolint with multiple rules",
			comment:       "// nolint:IL0001,API0003",
			expectedType:  SuppressionNolint,
			expectedRules: []string{"IL0001", "API0003"},
			expectParsed:  true,
		},
		{
			name:           "lint ignore basic",
			comment:        "//lint:ignore API0001 editor only",
			expectedType:   SuppressionLintIgnore,
			expectedRules:  []string{"API0001"},
			expectedReason: "editor only",
			expectParsed:   true,
		},
		{
			name:         "generic nolint",
			comment:      "//nolint",
			expectedType: SuppressionNolint,
			expectParsed: true,
		},
		{
			name:         "unrelated comment",
			comment:      "// regular comment",
			expectParsed: false,
		},
		{
			name:         "malformed lint ignore",
			comment:      "//lint:ignore",
			expectParsed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suppression := parseComment(tt.comment)

			if tt.expectParsed {
				require.NotNil(t, suppression, "Expected suppression to be parsed, got nil")
				require.Equal(t, tt.expectedType, suppression.Type)
				require.Equal(t, tt.expectedRules, suppression.Rules)
				require.Equal(t, tt.expectedReason, suppression.Reason)
			} else {
				require.Nil(t, suppression, "Expected no suppression, got %v", suppression)
			}
		})
	}
}

const playerSource = `using UnityEngine;

public class Player : MonoBehaviour {
    void Update() {
        //nolint:IL0001 // cached
        object o = 5;
        var cam = Camera.main; //lint:ignore API0003 profiled
        var go = GameObject.Find("x");
        //nolint
        var arr = new int[4];
    }
}
`

func TestSuppressionChecker_IsSuppressed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Player.cs"), []byte(playerSource), 0o644))
	checker := NewChecker(dir)

	tests := []struct {
		name             string
		rule             string
		line             int
		expectSuppressed bool
		expectReason     string
	}{
		{name: "line after directive", rule: "IL0001", line: 6, expectSuppressed: true, expectReason: "cached"},
		{name: "other rule after directive", rule: "IL0002", line: 6, expectSuppressed: false},
		{name: "same line directive", rule: "API0003", line: 7, expectSuppressed: true, expectReason: "profiled"},
		{name: "no directive", rule: "API0001", line: 8, expectSuppressed: false},
		{name: "generic nolint", rule: "IL0003", line: 10, expectSuppressed: true, expectReason: "suppressed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &diag.Finding{RuleID: tt.rule, Location: &diag.Location{File: "Player.cs", Line: tt.line}}
			suppressed, reason := checker.IsSuppressed(f)
			require.Equal(t, tt.expectSuppressed, suppressed)
			require.Equal(t, tt.expectReason, reason)
		})
	}

	t.Run("missing source", func(t *testing.T) {
		f := &diag.Finding{RuleID: "IL0001", Location: &diag.Location{File: "Missing.cs", Line: 2}}
		suppressed, _ := checker.IsSuppressed(f)
		require.False(t, suppressed)
	})

	t.Run("no location", func(t *testing.T) {
		suppressed, _ := checker.IsSuppressed(&diag.Finding{RuleID: "IL0001"})
		require.False(t, suppressed)
	})
}

func TestSuppressionChecker_Load(t *testing.T) {
	checker := NewChecker()
	require.NoError(t, checker.Load("a.cs", strings.NewReader("x();\n//nolint:ilaudit\ny();\n")))
	byLine, ok := checker.files.Load("a.cs")
	require.True(t, ok)
	require.Len(t, byLine, 1)

	suppressed, _ := checker.IsSuppressed(&diag.Finding{RuleID: "API0007", Location: &diag.Location{File: "a.cs", Line: 3}})
	require.True(t, suppressed)

	checker.Clear()
	require.Zero(t, checker.files.Size())
}

func TestSuppressionChecker_Concurrent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Player.cs"), []byte(playerSource), 0o644))
	checker := NewChecker(dir)
	filter, err := NewFilter(nil, checker)
	require.NoError(t, err)

	findings := []diag.Finding{
		{ID: "1", RuleID: "IL0001", Severity: diag.SeverityMinor, Location: &diag.Location{File: "Player.cs", Line: 6}},
		{ID: "2", RuleID: "API0001", Severity: diag.SeverityMinor, Location: &diag.Location{File: "Player.cs", Line: 8}},
		{ID: "3", RuleID: "IL0001", Severity: diag.SeverityMinor, Location: &diag.Location{File: "Other.cs", Line: 1}},
	}

	var wg sync.WaitGroup
	results := make([][]diag.Finding, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				checker.Clear()
			}
			results[i] = filter.Apply(findings)
		}()
	}
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, 2)
		require.Equal(t, "2", got[0].ID)
		require.Equal(t, "3", got[1].ID)
	}
}

func TestFilter_WithChecker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Player.cs"), []byte(playerSource), 0o644))
	base, err := NewFilter([]Override{{Rule: "API0001", Severity: diag.SeverityMajor}}, nil)
	require.NoError(t, err)

	findings := []diag.Finding{
		{ID: "1", RuleID: "IL0001", Severity: diag.SeverityMinor, Location: &diag.Location{File: "Player.cs", Line: 6}},
		{ID: "2", RuleID: "API0001", Severity: diag.SeverityMinor, Location: &diag.Location{File: "Player.cs", Line: 8}},
	}
	require.Len(t, base.Apply(findings), 2)

	got := base.WithChecker(NewChecker(dir)).Apply(findings)
	require.Len(t, got, 1)
	require.Equal(t, "2", got[0].ID)
	require.Equal(t, diag.SeverityMajor, got[0].Severity)
}

func TestFilter_Apply(t *testing.T) {
	findings := []diag.Finding{
		{ID: "1", RuleID: "IL0001", Method: "Game.Player::Update()", Severity: diag.SeverityMinor},
		{ID: "2", RuleID: "IL0001", Method: "Game.Tools::Bake()", Severity: diag.SeverityMinor},
		{ID: "3", RuleID: "API0003", Method: "Game.Player::Update()", Severity: diag.SeverityMinor},
		{ID: "4", RuleID: "IL0003", Method: "Game.Player::Update()", Severity: diag.SeverityMinor},
	}
	filter, err := NewFilter([]Override{
		{Rule: "IL0001", Method: `^Game\.Tools::`, Severity: diag.SeverityNone},
		{Rule: "API0003", Severity: diag.SeverityMajor},
		{Rule: "IL0003", Severity: diag.SeverityInfo},
		{Rule: "IL0003", Method: "Update", Severity: diag.SeverityModerate},
	}, nil)
	require.NoError(t, err)

	got := filter.Apply(findings)
	require.Len(t, got, 3)
	require.Equal(t, "1", got[0].ID)
	require.Equal(t, diag.SeverityMinor, got[0].Severity)
	require.Equal(t, "3", got[1].ID)
	require.Equal(t, diag.SeverityMajor, got[1].Severity)
	require.Equal(t, "4", got[2].ID)
	require.Equal(t, diag.SeverityModerate, got[2].Severity, "last matching override wins")

	// Input is untouched.
	require.Equal(t, diag.SeverityMinor, findings[2].Severity)
}

func TestFilter_Apply_NoneWithoutOverride(t *testing.T) {
	filter, err := NewFilter([]Override{{Rule: "IL0001", Severity: diag.SeverityNone}}, nil)
	require.NoError(t, err)

	got := filter.Apply([]diag.Finding{
		{ID: "1", Kind: diag.KindCompiler, RuleID: "ASM0003", Severity: diag.SeverityNone},
		{ID: "2", RuleID: "IL0001", Severity: diag.SeverityMinor},
	})
	require.Len(t, got, 1)
	require.Equal(t, "1", got[0].ID, "findings reported at None stay unless an override drops them")
}

func TestNewFilter_Errors(t *testing.T) {
	_, err := NewFilter([]Override{{Method: "x"}}, nil)
	require.ErrorContains(t, err, "rule is required")

	_, err = NewFilter([]Override{{Rule: "IL0001", Method: "("}}, nil)
	require.ErrorContains(t, err, "method pattern")
}
