package updater

import (
	"strconv"
	"strings"
)

// NormalizeVersion trims whitespace and a leading "v" or "V".
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if strings.HasPrefix(version, "v") || strings.HasPrefix(version, "V") {
		version = version[1:]
	}
	return version
}

// ParseVersion parses a dotted numeric tag such as "v1.10.2". Every
// component must be a non-negative decimal integer.
func ParseVersion(tag string) ([]int, error) {
	v := NormalizeVersion(tag)
	if v == "" {
		return nil, &VersionFormatError{Tag: tag, Reason: "empty"}
	}

	fields := strings.Split(v, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		if f == "" {
			return nil, &VersionFormatError{Tag: tag, Reason: "empty component"}
		}
		for _, r := range f {
			if r < '0' || r > '9' {
				return nil, &VersionFormatError{Tag: tag, Reason: "non-numeric component " + strconv.Quote(f)}
			}
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, &VersionFormatError{Tag: tag, Reason: err.Error()}
		}
		parts[i] = n
	}
	return parts, nil
}

// CompareVersions returns -1, 0 or 1 as a is older than, equal to, or newer
// than b. Missing trailing components count as zero.
func CompareVersions(a, b string) (int, error) {
	pa, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	pb, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}

	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
	}
	return 0, nil
}

// IsNewer reports whether candidate is a newer version than current.
func IsNewer(current, candidate string) (bool, error) {
	c, err := CompareVersions(candidate, current)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
