package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/testshift/internal/config"
)

// isolate points HOME and the XDG dirs at a temp dir, moves into it, and
// loads config with overrides.
func isolate(t *testing.T, overrides map[string]any) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		config.SetConfigFile("")
	})

	cfg, err := config.Load(context.Background(), overrides)
	require.NoError(t, err)
	return dir, cfg
}

const testManifestYAML = `version: "1.0"
defaults:
  repository: acme/widgets
  test_command: mvn -Dtest=<unit_tests> test
changes:
  - pr_number: 7
    base_commit: aaa111
    head_commit: bbb222
    touched_paths:
      - path: src/test/java/WidgetTest.java
  - pr_number: 8
    base_commit: ccc333
    head_commit: ddd444
    touched_paths:
      - path: src/main/java/Widget.java
  - pr_number: 9
    base_commit: eee555
    head_commit: fff666
    touched_paths: []
`

func writeManifest(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "widgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifestYAML), 0o644))
	return path
}
