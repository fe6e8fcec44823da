// Package version carries the service build version and the rule deciding
// which desktop app releases a license covers.
package version

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Build is reported by /health. Overridden at link time or by Load.
var Build = "dev"

var ErrEmpty = errors.New("empty version string")

// Load replaces Build with the trimmed contents of path if the file exists.
func Load(path string) string {
	if b, err := os.ReadFile(path); err == nil {
		if v := strings.TrimSpace(string(b)); v != "" {
			Build = v
		}
	}
	return Build
}

// Major returns the leading numeric component of a dotted version.
// "2.1.1", "v2.1" and "2" all yield 2.
func Major(v string) (int, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return 0, ErrEmpty
	}

	head, _, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("invalid major version %q: %w", head, err)
	}
	if major < 0 {
		return 0, fmt.Errorf("major version cannot be negative: %d", major)
	}
	return major, nil
}

// Compatible reports whether appVersion falls under the licensed product
// version. Licenses cover every release of the same major version.
func Compatible(licensedVersion, appVersion string) (bool, error) {
	licensed, err := Major(licensedVersion)
	if err != nil {
		return false, fmt.Errorf("invalid licensed version: %w", err)
	}
	app, err := Major(appVersion)
	if err != nil {
		return false, fmt.Errorf("invalid app version: %w", err)
	}
	return licensed == app, nil
}
