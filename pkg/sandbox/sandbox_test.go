package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBind(t *testing.T) {
	tests := []struct {
		name    string
		bind    string
		src     string
		dst     string
		options []string
		wantErr bool
	}{
		{
			name:    "read-write",
			bind:    "/opt/antbs/makepkg:/makepkg",
			src:     "/opt/antbs/makepkg",
			dst:     "/makepkg",
			options: []string{"rbind", "rw"},
		},
		{
			name:    "read-only",
			bind:    "/root/.gnupg:/root/.gnupg:ro",
			src:     "/root/.gnupg",
			dst:     "/root/.gnupg",
			options: []string{"rbind", "ro"},
		},
		{
			name:    "missing container path",
			bind:    "/only/host",
			wantErr: true,
		},
		{
			name:    "empty host path",
			bind:    ":/dest",
			wantErr: true,
		},
		{
			name:    "unknown option",
			bind:    "/a:/b:rshared",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseBind(tt.bind)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.src, m.Source)
			assert.Equal(t, tt.dst, m.Destination)
			assert.Equal(t, "bind", m.Type)
			assert.Equal(t, tt.options, m.Options)
		})
	}
}
