// Package verifier checks an exported audit evidence pack offline.
//
// It needs nothing but the zip: the bundle hash, every entry's payload and
// chain hashes, and the manifest are recomputed from the files themselves.
package verifier

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/store"
)

// VerifyReport is the structured output of offline verification.
type VerifyReport struct {
	Pack        string        `json:"pack"`
	TenantID    string        `json:"tenant_id,omitempty"`
	Verified    bool          `json:"verified"`
	Timestamp   time.Time     `json:"timestamp"`
	Checks      []CheckResult `json:"checks"`
	Summary     string        `json:"summary"`
	IssueCount  int           `json:"issue_count"`
	VerifierVer string        `json:"verifier_version"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"` // failure reason
}

const VerifierVersion = "1.0.0"

type manifest struct {
	TenantID   string `json:"tenant_id"`
	EntryCount int    `json:"entry_count"`
	BatchCount int    `json:"batch_count"`
	BundleHash string `json:"bundle_hash"`
}

// VerifyPackFile reads the pack at path and verifies it. expectedSHA256 is
// the checksum served with the export; empty skips that check.
func VerifyPackFile(path, expectedSHA256 string) (*VerifyReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pack: %w", err)
	}
	report := VerifyPack(data, expectedSHA256)
	report.Pack = path
	return report, nil
}

// VerifyPack verifies zip bytes produced by the audit exporter.
func VerifyPack(data []byte, expectedSHA256 string) *VerifyReport {
	report := &VerifyReport{
		Verified:    true,
		Timestamp:   time.Now().UTC(),
		Checks:      make([]CheckResult, 0, 6),
		VerifierVer: VerifierVersion,
	}

	report.addCheck(checkChecksum(data, expectedSHA256))

	files, structure := readPack(data)
	report.addCheck(structure)
	if structure.Pass {
		bundle, m, parsed := parsePack(files)
		report.addCheck(parsed)
		if parsed.Pass {
			report.TenantID = m.TenantID
			report.addCheck(checkBundle(bundle))
			report.addCheck(checkManifest(bundle, m))
			report.addCheck(checkTenantScope(bundle, m.TenantID))
		}
	}

	failed := 0
	for _, c := range report.Checks {
		if !c.Pass {
			failed++
		}
	}
	report.IssueCount = failed
	if failed > 0 {
		report.Verified = false
		report.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(report.Checks))
	} else {
		report.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(report.Checks), len(report.Checks))
	}
	return report
}

func (r *VerifyReport) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func checkChecksum(data []byte, expected string) CheckResult {
	if expected == "" {
		return CheckResult{Name: "checksum", Pass: true, Detail: "no expected checksum given"}
	}
	actual := sha256Hex(data)
	if actual != expected {
		return CheckResult{Name: "checksum", Pass: false, Reason: fmt.Sprintf("expected %s, got %s", expected, actual)}
	}
	return CheckResult{Name: "checksum", Pass: true, Detail: "pack checksum matches"}
}

func readPack(data []byte) (map[string][]byte, CheckResult) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, CheckResult{Name: "structure", Pass: false, Reason: fmt.Sprintf("not a zip archive: %v", err)}
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, CheckResult{Name: "structure", Pass: false, Reason: fmt.Sprintf("open %s: %v", f.Name, err)}
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, CheckResult{Name: "structure", Pass: false, Reason: fmt.Sprintf("read %s: %v", f.Name, err)}
		}
		files[f.Name] = content
	}
	for _, name := range []string{"bundle.json", "manifest.json"} {
		if _, ok := files[name]; !ok {
			return nil, CheckResult{Name: "structure", Pass: false, Reason: "missing " + name}
		}
	}
	return files, CheckResult{Name: "structure", Pass: true, Detail: "bundle.json and manifest.json present"}
}

func parsePack(files map[string][]byte) (*store.Bundle, *manifest, CheckResult) {
	var b store.Bundle
	if err := json.Unmarshal(files["bundle.json"], &b); err != nil {
		return nil, nil, CheckResult{Name: "parse", Pass: false, Reason: fmt.Sprintf("invalid bundle JSON: %v", err)}
	}
	var m manifest
	if err := json.Unmarshal(files["manifest.json"], &m); err != nil {
		return nil, nil, CheckResult{Name: "parse", Pass: false, Reason: fmt.Sprintf("invalid manifest JSON: %v", err)}
	}
	return &b, &m, CheckResult{Name: "parse", Pass: true, Detail: fmt.Sprintf("%d entries", len(b.Entries))}
}

func checkBundle(b *store.Bundle) CheckResult {
	if err := store.VerifyBundle(b); err != nil {
		return CheckResult{Name: "entry_hashes", Pass: false, Reason: err.Error()}
	}
	return CheckResult{Name: "entry_hashes", Pass: true, Detail: "bundle and entry hashes verified"}
}

func checkManifest(b *store.Bundle, m *manifest) CheckResult {
	if m.BundleHash != b.BundleHash {
		return CheckResult{Name: "manifest", Pass: false, Reason: "manifest bundle_hash does not match bundle"}
	}
	if m.EntryCount != len(b.Entries) || b.EntryCount != len(b.Entries) {
		return CheckResult{Name: "manifest", Pass: false, Reason: fmt.Sprintf("entry_count %d, bundle holds %d", m.EntryCount, len(b.Entries))}
	}
	batches := 0
	for _, e := range b.Entries {
		if e.EntryType == store.EntryTypeBatch {
			batches++
		}
	}
	if m.BatchCount != batches {
		return CheckResult{Name: "manifest", Pass: false, Reason: fmt.Sprintf("batch_count %d, bundle holds %d", m.BatchCount, batches)}
	}
	return CheckResult{Name: "manifest", Pass: true, Detail: "manifest matches bundle"}
}

func checkTenantScope(b *store.Bundle, tenantID string) CheckResult {
	if tenantID == "" {
		return CheckResult{Name: "tenant_scope", Pass: false, Reason: "manifest has no tenant_id"}
	}
	for _, e := range b.Entries {
		if e.TenantID != tenantID {
			return CheckResult{Name: "tenant_scope", Pass: false, Reason: fmt.Sprintf("entry %s belongs to tenant %q", e.EntryID, e.TenantID)}
		}
	}
	return CheckResult{Name: "tenant_scope", Pass: true, Detail: "all entries belong to " + tenantID}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
