package domain

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// importRule confines imports of a dependency prefix to the listed owners.
type importRule struct {
	dep    string
	owners []string
}

var importRules = []importRule{
	{dep: "segmentcore/internal", owners: []string{"segmentcore/internal", "segmentcore/cmd"}},
	{dep: "github.com/twpayne/go-geos", owners: []string{"segmentcore/internal/geometry"}},
	{dep: "github.com/aws", owners: []string{"segmentcore/internal/blob"}},
	{dep: "modernc.org/sqlite", owners: []string{"segmentcore/internal/persistence/sqlite"}},
	{dep: "github.com/jackc/pgx", owners: []string{"segmentcore/internal/persistence/postgres"}},
}

// TestImportBoundaries keeps the domain package free of internal imports and
// each native or backend driver behind the one package that wraps it.
func TestImportBoundaries(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "segmentcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			for _, rule := range importRules {
				if !hasPathPrefix(importPath, rule.dep) || owns(pkg.PkgPath, rule.owners) {
					continue
				}
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import: %s", v)
		}
		t.Fatalf("found %d forbidden imports", len(violations))
	}
}

func owns(pkgPath string, owners []string) bool {
	// Test binaries load as "<pkg>.test" and external tests as "<pkg>_test".
	pkgPath = strings.TrimSuffix(strings.TrimSuffix(pkgPath, ".test"), "_test")
	for _, o := range owners {
		if hasPathPrefix(pkgPath, o) {
			return true
		}
	}
	return false
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
