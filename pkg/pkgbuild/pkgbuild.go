package pkgbuild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Recipe holds the fields antbs reads out of a PKGBUILD. Only plain
// variable assignments are understood; values computed inside shell
// functions (pkgver() for VCS packages) stay empty and the stored
// version is kept instead.
type Recipe struct {
	Names      []string // pkgname, one entry per split package
	Pkgver     string
	Pkgrel     string
	Epoch      string
	Pkgdesc    string
	Depends    []string
	Makedepend []string
	Groups     []string

	vars map[string]string
}

var (
	scalarRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)
	arrayRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=\((.*)$`)
	varRefRe = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)
)

// ParseFile reads and parses the PKGBUILD at path.
func ParseFile(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PKGBUILD: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads a PKGBUILD from r.
func Parse(r io.Reader) (*Recipe, error) {
	rec := &Recipe{vars: make(map[string]string)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		arrName string
		arrBuf  []string
		inArray bool
		depth   int
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if inArray {
			closed := strings.Contains(line, ")")
			content := line
			if closed {
				content = line[:strings.Index(line, ")")]
			}
			arrBuf = append(arrBuf, splitArrayItems(content)...)
			if closed {
				rec.setArray(arrName, arrBuf)
				inArray = false
				arrBuf = nil
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// function bodies are skipped wholesale
		if strings.HasSuffix(line, "{") || strings.Contains(line, "() {") {
			depth++
			continue
		}
		if depth > 0 {
			if line == "}" {
				depth--
			}
			continue
		}

		if m := arrayRe.FindStringSubmatch(line); m != nil {
			name, rest := m[1], m[2]
			if idx := strings.Index(rest, ")"); idx >= 0 {
				rec.setArray(name, splitArrayItems(rest[:idx]))
			} else {
				inArray = true
				arrName = name
				arrBuf = splitArrayItems(rest)
			}
			continue
		}

		if m := scalarRe.FindStringSubmatch(line); m != nil {
			rec.setScalar(m[1], m[2])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read PKGBUILD: %w", err)
	}

	return rec, nil
}

func (r *Recipe) setScalar(name, raw string) {
	val := r.expand(stripQuotes(stripComment(raw)))
	r.vars[name] = val

	switch name {
	case "pkgname":
		r.Names = []string{val}
	case "pkgver":
		r.Pkgver = val
	case "pkgrel":
		r.Pkgrel = val
	case "epoch":
		r.Epoch = val
	case "pkgdesc":
		r.Pkgdesc = val
	}
}

func (r *Recipe) setArray(name string, items []string) {
	expanded := make([]string, 0, len(items))
	for _, it := range items {
		if v := r.expand(it); v != "" {
			expanded = append(expanded, v)
		}
	}

	switch name {
	case "pkgname":
		r.Names = expanded
		if len(expanded) > 0 {
			r.vars["pkgname"] = expanded[0]
		}
	case "depends":
		r.Depends = expanded
	case "makedepends":
		r.Makedepend = expanded
	case "groups":
		r.Groups = expanded
	}
}

// expand substitutes $var and ${var} references with scalars already
// seen. Unknown references expand to the empty string, like the shell.
func (r *Recipe) expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return varRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := strings.Trim(ref, "${}")
		return r.vars[name]
	})
}

func splitArrayItems(s string) []string {
	s = stripComment(s)
	fields := strings.Fields(s)
	items := make([]string, 0, len(fields))
	for _, f := range fields {
		if v := stripQuotes(f); v != "" {
			items = append(items, v)
		}
	}
	return items
}

func stripComment(s string) string {
	// naive: PKGBUILD values antbs cares about do not embed '#'
	if idx := strings.Index(s, "#"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `'"`)
	return s
}

// IsSplit reports whether the recipe produces more than one package.
func (r *Recipe) IsSplit() bool {
	return len(r.Names) > 1
}

// Version composes [epoch:]pkgver-pkgrel. It returns the empty string
// when pkgver is unset so callers can fall back to the stored version.
func (r *Recipe) Version() string {
	if r.Pkgver == "" {
		return ""
	}
	rel := r.Pkgrel
	if rel == "" {
		rel = "1"
	}
	if r.Epoch != "" && r.Epoch != "0" {
		return fmt.Sprintf("%s:%s-%s", r.Epoch, r.Pkgver, rel)
	}
	return r.Pkgver + "-" + rel
}

// AllDepends returns depends plus makedepends with version constraints
// stripped, deduplicated, in declaration order.
func (r *Recipe) AllDepends() []string {
	seen := make(map[string]bool)
	var out []string
	for _, dep := range append(append([]string{}, r.Depends...), r.Makedepend...) {
		name := StripConstraint(dep)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// StripConstraint removes a trailing version constraint from a
// dependency entry: "gtk3>=3.18" becomes "gtk3".
func StripConstraint(dep string) string {
	for _, sep := range []string{">=", "<=", "=", ">", "<"} {
		if idx := strings.Index(dep, sep); idx >= 0 {
			return dep[:idx]
		}
	}
	return dep
}
