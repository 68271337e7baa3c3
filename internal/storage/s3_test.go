package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 4, 9, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		filename    string
		contentType string
		wantExt     string
		wantErr     bool
	}{
		{name: "extension from filename", filename: "Photo.JPG", contentType: "image/jpeg", wantExt: ".jpg"},
		{name: "extension from content type", contentType: "image/png", wantExt: ".png"},
		{name: "document", filename: "", contentType: "application/pdf", wantExt: ".pdf"},
		{name: "unknown type", contentType: "application/x-unknown", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ObjectKey("c1", tt.filename, tt.contentType, at)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedType)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(key, "c1/2026/04/09/"), key)
			assert.True(t, strings.HasSuffix(key, tt.wantExt), key)
		})
	}
}

func TestObjectKey_RequiresConversation(t *testing.T) {
	_, err := ObjectKey("", "a.png", "image/png", time.Now())
	assert.Error(t, err)
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("image/webp"))
	assert.False(t, IsImage("application/pdf"))
}
