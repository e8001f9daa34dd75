package security

import (
	"path/filepath"
	"testing"

	"inboxsync/internal/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "simple file", path: "inboxsync.db"},
		{name: "nested file", path: "data/state.db"},
		{name: "dot prefix", path: "./config.json"},
		{name: "absolute", path: "/var/lib/inboxsync/state.db"},
		{name: "dots inside a name", path: "state..db"},
		{name: "empty", path: "", wantErr: "path cannot be empty"},
		{name: "parent traversal", path: "../config.json", wantErr: "directory traversal"},
		{name: "hidden traversal", path: "data/../../etc/passwd", wantErr: "directory traversal"},
		{name: "nul byte", path: "state\x00.db", wantErr: "NUL byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
		})
	}
}

func TestValidatePathWithBase(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "relative inside", path: "state.db"},
		{name: "absolute inside", path: filepath.Join(base, "sub", "state.db")},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
		{name: "traversal", path: "sub/../../x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithBase(tt.path, base)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
