package staging

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "invoiceimport/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()

	signer := NewSigner("0123456789abcdef", "http://uploads.test/")
	signer.now = func() time.Time { return now }

	st, err := NewStore(t.TempDir(), signer)
	require.NoError(t, err)
	return st
}

func TestPresignAndVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st := newTestStore(t, now)
	key := uuid.NewString()

	raw, err := st.PresignPut(context.Background(), key, 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "uploads.test", u.Host)
	assert.Equal(t, "/uploads/"+key, u.Path)
	assert.Equal(t, "1700000300", u.Query().Get("expires"))

	sig := u.Query().Get("signature")
	require.NoError(t, st.Verify(key, u.Query().Get("expires"), sig))

	// signature is bound to the key
	assert.ErrorIs(t, st.Verify(uuid.NewString(), u.Query().Get("expires"), sig), apperrors.ErrInvalidSignature)
	// and to the expiry
	assert.ErrorIs(t, st.Verify(key, "1700009999", sig), apperrors.ErrInvalidSignature)
	assert.ErrorIs(t, st.Verify(key, u.Query().Get("expires"), "zz"), apperrors.ErrInvalidSignature)

	st.signer.now = func() time.Time { return now.Add(6 * time.Minute) }
	assert.ErrorIs(t, st.Verify(key, u.Query().Get("expires"), sig), apperrors.ErrUploadExpired)
}

func TestRejectsNonUUIDKeys(t *testing.T) {
	st := newTestStore(t, time.Now())
	ctx := context.Background()

	for _, key := range []string{"../etc/passwd", "abc", "", strings.ToUpper(uuid.NewString())} {
		_, err := st.PresignPut(ctx, key, time.Minute)
		assert.Error(t, err, key)
		_, err = st.ReadObject(ctx, key)
		assert.Error(t, err, key)
	}
}

func TestPutReadDelete(t *testing.T) {
	st := newTestStore(t, time.Now())
	ctx := context.Background()
	key := uuid.NewString()

	_, err := st.ReadObject(ctx, key)
	assert.ErrorIs(t, err, apperrors.ErrObjectNotFound)

	n, err := st.Put(ctx, key, strings.NewReader(`{"invoiceNumber":"INV12345"}`), 1024)
	require.NoError(t, err)
	assert.EqualValues(t, 28, n)

	body, err := st.ReadObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"invoiceNumber":"INV12345"}`, body)

	require.NoError(t, st.DeleteObject(ctx, key))
	require.NoError(t, st.DeleteObject(ctx, key), "delete is idempotent")

	_, err = st.ReadObject(ctx, key)
	assert.ErrorIs(t, err, apperrors.ErrObjectNotFound)
}

func TestPutEnforcesMaxSize(t *testing.T) {
	st := newTestStore(t, time.Now())
	key := uuid.NewString()

	_, err := st.Put(context.Background(), key, strings.NewReader(strings.Repeat("x", 11)), 10)
	assert.ErrorIs(t, err, ErrObjectTooLarge)

	_, statErr := os.Stat(filepath.Join(st.dir, key+".json"))
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(st.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files are cleaned up")
}

func TestEmptyObjectIsStaged(t *testing.T) {
	st := newTestStore(t, time.Now())
	ctx := context.Background()
	key := uuid.NewString()

	_, err := st.Put(ctx, key, strings.NewReader(""), 10)
	require.NoError(t, err)

	body, err := st.ReadObject(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, body)
}
