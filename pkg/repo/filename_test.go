package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPackageFile(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     PackageFile
		wantErr  bool
	}{
		{
			name:     "simple",
			filename: "cnchi-0.14.0-1-x86_64.pkg.tar.xz",
			want:     PackageFile{Name: "cnchi", Version: "0.14.0", Release: "1", Arch: "x86_64", Suffix: "tar.xz"},
		},
		{
			name:     "dashes in package name",
			filename: "numix-icon-theme-square-17.04.13-1-any.pkg.tar.xz",
			want:     PackageFile{Name: "numix-icon-theme-square", Version: "17.04.13", Release: "1", Arch: "any", Suffix: "tar.xz"},
		},
		{
			name:     "epoch in version",
			filename: "gnome-shell-1:3.24.2-1-x86_64.pkg.tar.xz",
			want:     PackageFile{Name: "gnome-shell", Version: "1:3.24.2", Release: "1", Arch: "x86_64", Suffix: "tar.xz"},
		},
		{
			name:     "signature file",
			filename: "cnchi-0.14.0-1-x86_64.pkg.tar.xz.sig",
			wantErr:  true,
		},
		{
			name:     "database file",
			filename: "antergos.db.tar.gz",
			wantErr:  true,
		},
		{
			name:     "not enough segments",
			filename: "cnchi.pkg.tar.xz",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitPackageFile(tt.filename)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.filename, JoinPackageFile(got))
		})
	}
}

func TestPackageFileEntry(t *testing.T) {
	pf := PackageFile{Name: "numix-icon-theme", Version: "17.04.13", Release: "2", Arch: "any", Suffix: "tar.xz"}
	assert.Equal(t, "numix-icon-theme|17.04.13-2", pf.Entry())
}

func TestSplitDBEntry(t *testing.T) {
	entry, err := splitDBEntry("numix-icon-theme-17.04.13-2")
	require.NoError(t, err)
	assert.Equal(t, "numix-icon-theme|17.04.13-2", entry)

	_, err = splitDBEntry("nodashes")
	require.Error(t, err)
}
