package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put("device-id", []byte("abc-1.2.3.4")))
	got, err := db.Get("device-id")
	require.NoError(t, err)
	assert.Equal(t, "abc-1.2.3.4", string(got))

	require.NoError(t, db.Delete("device-id"))
	_, err = db.Get("device-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJSONRoundTripSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	type reg struct {
		Scope  string `json:"scope"`
		Active bool   `json:"active"`
	}

	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.PutJSON("reg", reg{Scope: "/", Active: true}))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var got reg
	require.NoError(t, db.GetJSON("reg", &got))
	assert.Equal(t, reg{Scope: "/", Active: true}, got)
}

func TestOpenRejectsEmptyDir(t *testing.T) {
	t.Parallel()
	_, err := Open("")
	require.Error(t, err)
}
