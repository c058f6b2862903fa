// Package verify enforces project-level structural invariants that unit tests
// cannot catch:
//   - Packages that compile and pass tests but are never imported
//   - Interfaces whose only implementations are no-ops
//
// Run: go test -run 'TestNoDeadPackages|TestNoopOnlyInterfaces' .
package mcp_experience_test

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/txn2/mcp-experience"

// walkSources calls fn for every non-test Go file under dir.
func walkSources(dir string, fn func(path string, content []byte) error) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".go") || strings.HasSuffix(info.Name(), "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path) //nolint:gosec // test reads source files
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		return fn(path, content)
	})
}

// discoverPackages returns the import path of every directory under pkgDir
// that holds non-test Go source.
func discoverPackages(pkgDir, projectRoot string) (map[string]bool, error) {
	packages := map[string]bool{}
	err := walkSources(pkgDir, func(path string, _ []byte) error {
		rel, err := filepath.Rel(projectRoot, filepath.Dir(path))
		if err != nil {
			return err
		}
		packages[modulePath+"/"+filepath.ToSlash(rel)] = false
		return nil
	})
	return packages, err
}

// TestNoDeadPackages verifies that every package under pkg/ is imported by
// at least one non-test file in pkg/, cmd/, or internal/.
func TestNoDeadPackages(t *testing.T) {
	projectRoot, err := filepath.Abs(".")
	require.NoError(t, err)

	packages, err := discoverPackages(filepath.Join(projectRoot, "pkg"), projectRoot)
	require.NoError(t, err)
	require.NotEmpty(t, packages)

	importRe := regexp.MustCompile(`"(` + regexp.QuoteMeta(modulePath) + `/[^"]+)"`)
	for _, dir := range []string{"pkg", "cmd", "internal"} {
		err := walkSources(filepath.Join(projectRoot, dir), func(_ string, content []byte) error {
			for _, m := range importRe.FindAllStringSubmatch(string(content), -1) {
				if _, ok := packages[m[1]]; ok {
					packages[m[1]] = true
				}
			}
			return nil
		})
		require.NoError(t, err)
	}

	for pkg, imported := range packages {
		assert.True(t, imported,
			"package %q is never imported by non-test code; wire it into the platform or delete it", pkg)
	}
}

// TestNoopOnlyInterfaces verifies that every interface with a no-op
// implementation also has a real one. Compliance assertions are found in
// both `var _ I = (*T)(nil)` and grouped `var ( _ I = (*T)(nil) )` form.
func TestNoopOnlyInterfaces(t *testing.T) {
	projectRoot, err := filepath.Abs(".")
	require.NoError(t, err)

	implRe := regexp.MustCompile(`(?m)^\s*(?:var\s+)?_\s+(\S+)\s*=\s*\(\*(\w+)\)\(nil\)`)

	impls := map[string][]string{}
	err = walkSources(filepath.Join(projectRoot, "pkg"), func(_ string, content []byte) error {
		for _, m := range implRe.FindAllStringSubmatch(string(content), -1) {
			impls[m[1]] = append(impls[m[1]], m[2])
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, impls, "should find interface compliance assertions in pkg/")

	for iface, types := range impls {
		hasNoop, hasReal := false, false
		for _, name := range types {
			if strings.Contains(strings.ToLower(name), "noop") {
				hasNoop = true
			} else {
				hasReal = true
			}
		}
		if hasNoop {
			assert.True(t, hasReal, "interface %q has only no-op implementations %v", iface, types)
		}
	}
}
