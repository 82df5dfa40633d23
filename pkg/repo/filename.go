package repo

import (
	"fmt"
	"strings"
)

// PackageFile is the result of parsing a binary package filename of the
// form <name>-<version>-<release>-<arch>.pkg.<suffix>. Package names may
// themselves contain dashes, so parsing splits from the right.
type PackageFile struct {
	Name    string
	Version string
	Release string
	Arch    string
	Suffix  string
}

const pkgMarker = ".pkg."

// SplitPackageFile parses a package filename. Signature files (.sig) are
// not package files and are rejected.
func SplitPackageFile(filename string) (PackageFile, error) {
	var pf PackageFile

	if strings.HasSuffix(filename, ".sig") {
		return pf, fmt.Errorf("not a package file: %s", filename)
	}
	idx := strings.Index(filename, pkgMarker)
	if idx < 0 {
		return pf, fmt.Errorf("not a package file: %s", filename)
	}

	base := filename[:idx]
	pf.Suffix = filename[idx+len(pkgMarker):]

	// rsplit on '-' three times: arch, release, version, rest is name
	parts := rsplitN(base, '-', 3)
	if len(parts) != 4 || parts[0] == "" {
		return pf, fmt.Errorf("malformed package filename: %s", filename)
	}
	pf.Name = parts[0]
	pf.Version = parts[1]
	pf.Release = parts[2]
	pf.Arch = parts[3]
	return pf, nil
}

// JoinPackageFile is the inverse of SplitPackageFile.
func JoinPackageFile(pf PackageFile) string {
	return fmt.Sprintf("%s-%s-%s-%s.pkg.%s", pf.Name, pf.Version, pf.Release, pf.Arch, pf.Suffix)
}

// Entry returns the "name|version-release" encoding used in the repo
// package sets.
func (pf PackageFile) Entry() string {
	return pf.Name + "|" + pf.Version + "-" + pf.Release
}

// splitDBEntry parses a package database directory entry
// (<name>-<version>-<release>) into the set encoding. Names may contain
// dashes, so this also splits from the right.
func splitDBEntry(entry string) (string, error) {
	parts := rsplitN(entry, '-', 2)
	if len(parts) != 3 || parts[0] == "" {
		return "", fmt.Errorf("malformed database entry: %s", entry)
	}
	return parts[0] + "|" + parts[1] + "-" + parts[2], nil
}

// rsplitN splits s on sep at most n times from the right. The head
// (everything left of the last n separators) is element 0.
func rsplitN(s string, sep byte, n int) []string {
	tail := make([]string, 0, n)
	for len(tail) < n {
		idx := strings.LastIndexByte(s, sep)
		if idx < 0 {
			break
		}
		tail = append([]string{s[idx+1:]}, tail...)
		s = s[:idx]
	}
	return append([]string{s}, tail...)
}
