package attachment

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A 1x1 transparent PNG.
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func newStorage(t *testing.T, max int64) (*LocalStorage, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "files")
	s, err := NewLocalStorage(dir, "/files", max, nil)
	require.NoError(t, err)
	return s, dir
}

func TestLocalStorage_SaveDetectsType(t *testing.T) {
	s, dir := newStorage(t, 1<<20)

	att, err := s.Save(context.Background(), "../../etc/screenshot.PNG", bytes.NewReader(pngBytes))
	require.NoError(t, err)

	assert.Equal(t, "screenshot.PNG", att.Name)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, int64(len(pngBytes)), att.Size)
	assert.True(t, strings.HasPrefix(att.URL, "/files/"))
	assert.True(t, strings.HasSuffix(att.URL, ".png"))

	stored, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(att.URL, "/files/")))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, stored)
}

func TestLocalStorage_TextFallsBackToSniffing(t *testing.T) {
	s, _ := newStorage(t, 1<<20)

	att, err := s.Save(context.Background(), "notes.txt", strings.NewReader("order #1234 arrived damaged"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(att.MimeType, "text/plain"))
}

func TestLocalStorage_RejectsOversizeAndEmpty(t *testing.T) {
	s, dir := newStorage(t, 1024)

	_, err := s.Save(context.Background(), "big.bin", bytes.NewReader(make([]byte, 2048)))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = s.Save(context.Background(), "empty.txt", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads leave nothing behind")
}

func TestLocalStorage_Handler(t *testing.T) {
	s, _ := newStorage(t, 1<<20)
	att, err := s.Save(context.Background(), "pixel.png", bytes.NewReader(pngBytes))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, att.URL, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, pngBytes, body)
}
