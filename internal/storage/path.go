package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	fingerprintPattern   = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// BuildPatternExportPath returns the object key of one pattern export:
// prefix/fingerprint=<fp>/date=YYYY-MM-DD/patterns-<unix>-<seq>.parquet.
func BuildPatternExportPath(prefix, fingerprint string, exportedAt time.Time, sequence int) (string, error) {
	if err := validatePathComponent(prefix, "export prefix"); err != nil {
		return "", err
	}
	if !fingerprintPattern.MatchString(fingerprint) {
		return "", fmt.Errorf("invalid fingerprint: %q", fingerprint)
	}
	if sequence < 0 {
		return "", fmt.Errorf("sequence must be >= 0")
	}

	ts := exportedAt.UTC()
	return path.Join(
		prefix,
		"fingerprint="+fingerprint,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("patterns-%d-%05d.parquet", ts.Unix(), sequence),
	), nil
}

// BuildPatternExportPrefix returns the key prefix under which every export of
// fingerprint lives.
func BuildPatternExportPrefix(prefix, fingerprint string) (string, error) {
	if err := validatePathComponent(prefix, "export prefix"); err != nil {
		return "", err
	}
	if !fingerprintPattern.MatchString(fingerprint) {
		return "", fmt.Errorf("invalid fingerprint: %q", fingerprint)
	}
	return path.Join(prefix, "fingerprint="+fingerprint) + "/", nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
