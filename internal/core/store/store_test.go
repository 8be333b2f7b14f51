package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pacerhq/pacer/internal/config"
)

func TestBuildLibsqlDSN(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StoreConfig
		want    string
		wantErr bool
	}{
		{
			name: "remote url gains auth token",
			cfg:  config.StoreConfig{URL: "libsql://example.turso.io", AuthToken: "token123", Path: "ignored.db"},
			want: "libsql://example.turso.io?authToken=token123",
		},
		{
			name: "existing query is kept",
			cfg:  config.StoreConfig{URL: "libsql://example.turso.io?foo=bar", AuthToken: "token123"},
			want: "libsql://example.turso.io?authToken=token123&foo=bar",
		},
		{
			name: "explicit token in url wins",
			cfg:  config.StoreConfig{URL: "libsql://example.turso.io?authToken=mine", AuthToken: "token123"},
			want: "libsql://example.turso.io?authToken=mine",
		},
		{
			name: "file prefix passes through",
			cfg:  config.StoreConfig{Path: "file:./pacer.db"},
			want: "file:./pacer.db",
		},
		{
			name: "memory",
			cfg:  config.StoreConfig{Path: ":memory:"},
			want: ":memory:",
		},
		{
			name:    "missing path and url",
			cfg:     config.StoreConfig{Path: "  "},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := buildLibsqlDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, dsn)
		})
	}
}

func TestBuildLibsqlDSNCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nested", "pacer.db")

	dsn, err := buildLibsqlDSN(config.StoreConfig{Path: path})
	require.NoError(t, err)
	require.Equal(t, "file:"+path, dsn)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(nil, config.StoreConfig{Driver: "postgres", Path: ":memory:"}) //nolint:staticcheck // nil context is accepted
	require.EqualError(t, err, "unsupported store driver: postgres")
}
