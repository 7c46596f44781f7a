package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
)

func TestSafeRelPath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "plain", in: "src/main.js", want: "src/main.js"},
		{name: "cleans dot segments", in: "./src/../src/app.js", want: "src/app.js"},
		{name: "empty", in: "", wantErr: rerrors.ErrInvalidInput},
		{name: "absolute", in: "/etc/passwd", wantErr: rerrors.ErrPathEscape},
		{name: "backslash absolute", in: `\windows\system32`, wantErr: rerrors.ErrPathEscape},
		{name: "parent escape", in: "../secrets", wantErr: rerrors.ErrPathEscape},
		{name: "nested escape", in: "src/../../secrets", wantErr: rerrors.ErrPathEscape},
		{name: "bare dotdot", in: "..", wantErr: rerrors.ErrPathEscape},
		{name: "null byte", in: "a\x00b", wantErr: rerrors.ErrPathEscape},
		{name: "dotdot in filename is fine", in: "notes..md", want: "notes..md"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeRelPath(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArena_PutGetRemove(t *testing.T) {
	a := NewArena(nil)

	_, ok := a.Get("p1")
	assert.False(t, ok)

	h := &Handle{ProjectID: "p1", Backend: "local", Root: "/tmp/p1"}
	a.Put(h)

	got, ok := a.Get("p1")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, a.Len())

	a.Remove("p1")
	_, ok = a.Get("p1")
	assert.False(t, ok)

	// Removing twice is harmless.
	a.Remove("p1")
	assert.Zero(t, a.Len())
}
