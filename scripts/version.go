package scripts

import (
	"strconv"
	"strings"
)

// CompareVersions compares dotted version strings part by part. Numeric
// parts compare as numbers, anything else compares as text, and missing
// parts count as zero. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimSpace(a), ".")
	bs := strings.Split(strings.TrimSpace(b), ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		pa, pb := "0", "0"
		if i < len(as) && as[i] != "" {
			pa = as[i]
		}
		if i < len(bs) && bs[i] != "" {
			pb = bs[i]
		}
		if c := comparePart(pa, pb); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		// 1.0 is newer than 1.0a-style pre-release tags
		return 1
	case errB == nil:
		return -1
	}
	return strings.Compare(a, b)
}
