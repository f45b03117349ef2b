// Package versioning carries the build version of the coworker binaries and
// the schema-version compatibility checks applied to the YAML catalogs
// (personas, approval policy) loaded at start-up.
package versioning

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

// Set via -ldflags at build time.
var (
	Version   = "0.1.0-dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// CatalogConstraint is the range of catalog schema versions this build reads.
const CatalogConstraint = "^1"

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	// CatalogSchema is the catalog schema range accepted by this build.
	CatalogSchema string `json:"catalog_schema"`
}

// Current returns the build info of the running binary.
func Current() Info {
	return Info{
		Version:       Version,
		Commit:        Commit,
		BuildDate:     BuildDate,
		GoVersion:     runtime.Version(),
		CatalogSchema: CatalogConstraint,
	}
}

// String renders the info as a single human-readable line.
func (i Info) String() string {
	return fmt.Sprintf("coworkerd %s (commit %s, built %s, %s)", i.Version, i.Commit, i.BuildDate, i.GoVersion)
}

// ToJSON exports the info as indented JSON.
func (i Info) ToJSON() ([]byte, error) {
	//nolint:wrapcheck // error context is clear from method name
	return json.MarshalIndent(i, "", "  ")
}

// CheckSchema verifies that version satisfies constraint. kind names the
// document being checked and only appears in error messages.
func CheckSchema(kind, version, constraint string) error {
	if version == "" {
		return fmt.Errorf("%s: missing schema_version", kind)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s: invalid schema constraint %q: %w", kind, constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s: invalid schema_version %q: %w", kind, version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%s: schema_version %s is not supported (want %s)", kind, version, constraint)
	}
	return nil
}

// CheckCatalog is CheckSchema against CatalogConstraint.
func CheckCatalog(kind, version string) error {
	return CheckSchema(kind, version, CatalogConstraint)
}
