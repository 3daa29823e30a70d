package page

import (
	"path"
	"strings"
)

// Title derives a display title from the first heading of body, falling
// back to the last segment of the page path.
func Title(p, body string) string {
	org := strings.EqualFold(path.Ext(p), ".org")
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if org {
			if len(line) > len("#+title:") && strings.EqualFold(line[:len("#+title:")], "#+title:") {
				if t := strings.TrimSpace(line[len("#+title:"):]); t != "" {
					return t
				}
			}
			if t, ok := heading(line, '*'); ok {
				return t
			}
			continue
		}
		if t, ok := heading(line, '#'); ok {
			return strings.TrimSpace(strings.TrimRight(t, "#"))
		}
	}

	base := path.Base(strings.TrimSuffix(p, path.Ext(p)))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// heading reports whether line is a run of marker followed by a space and
// returns the rest.
func heading(line string, marker byte) (string, bool) {
	n := 0
	for n < len(line) && line[n] == marker {
		n++
	}
	if n == 0 || n >= len(line) || line[n] != ' ' {
		return "", false
	}
	t := strings.TrimSpace(line[n:])
	return t, t != ""
}
