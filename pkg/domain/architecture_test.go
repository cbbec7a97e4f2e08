package domain

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDomainPackageHasNoInternalImports ensures the domain package stays a
// leaf: entities, matching and the state machine must not depend on storage,
// adapters or any other internal package.
func TestDomainPackageHasNoInternalImports(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "vivarium/pkg/domain")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if strings.HasPrefix(importPath, "vivarium/") {
				violations = append(violations, pkg.PkgPath+" imports "+importPath)
			}
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import: %s", v)
		}
		t.Fatalf("domain package must not import other vivarium packages")
	}
}
