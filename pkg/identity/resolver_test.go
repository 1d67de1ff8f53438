package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/connectify/pkg/store"
)

func staticFingerprint(v string, calls *atomic.Int32) FingerprintFunc {
	return func(context.Context) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return v, nil
	}
}

func TestFallbackFormat(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := Fallback()
		require.Regexp(t, `^user-[0-9a-z]{9}$`, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestResolveCombinesFingerprintAndIP(t *testing.T) {
	t.Parallel()
	r := NewResolver(
		WithFingerprint(staticFingerprint("abc123", nil)),
		WithIPLookup(func(context.Context) (string, error) { return "203.0.113.7", nil }),
	)

	assert.Equal(t, "abc123-203.0.113.7", r.Resolve(t.Context()))
}

func TestResolveFallsBackOnFingerprintFailure(t *testing.T) {
	t.Parallel()
	r := NewResolver(
		WithFingerprint(func(context.Context) (string, error) { return "", ErrNoFingerprint }),
		WithIPLookup(nil),
		WithFallback(func() string { return "user-fallback1" }),
	)

	assert.Equal(t, "user-fallback1", r.Resolve(t.Context()))
}

func TestResolveFallsBackOnIPLookupFailure(t *testing.T) {
	t.Parallel()
	r := NewResolver(
		WithFingerprint(staticFingerprint("abc123", nil)),
		WithIPLookup(func(context.Context) (string, error) { return "", errors.New("offline") }),
	)

	id := r.Resolve(t.Context())
	assert.Regexp(t, `^user-[0-9a-z]{9}$`, id)
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	r := NewResolver(WithFingerprint(staticFingerprint("fp", &calls)), WithIPLookup(nil))

	_, ok := r.Resolved()
	assert.False(t, ok)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Resolve(context.Background())
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "fp", id)
	}
	assert.Equal(t, int32(1), calls.Load())

	got, ok := r.Resolved()
	assert.True(t, ok)
	assert.Equal(t, "fp", got)
}

func TestResolveIdempotentAcrossFallback(t *testing.T) {
	t.Parallel()
	r := NewResolver(
		WithFingerprint(func(context.Context) (string, error) { return "", ErrNoFingerprint }),
		WithIPLookup(nil),
	)
	first := r.Resolve(t.Context())
	assert.Equal(t, first, r.Resolve(t.Context()))
}

func TestResolveUsesAndFillsStore(t *testing.T) {
	t.Parallel()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var calls atomic.Int32
	first := NewResolver(WithStore(db), WithFingerprint(staticFingerprint("fp-one", &calls)), WithIPLookup(nil))
	assert.Equal(t, "fp-one", first.Resolve(t.Context()))

	second := NewResolver(WithStore(db), WithFingerprint(staticFingerprint("fp-two", &calls)), WithIPLookup(nil))
	assert.Equal(t, "fp-one", second.Resolve(t.Context()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIPLookup(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			http.Error(w, "bad format", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ip":"198.51.100.4"}`))
	}))
	t.Cleanup(srv.Close)

	ip, err := NewIPLookup(srv.URL+"?format=json", srv.Client())(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", ip)

	_, err = NewIPLookup(srv.URL, srv.Client())(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestIPLookupRejectsEmptyAddress(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewIPLookup(srv.URL, srv.Client())(t.Context())
	require.Error(t, err)
}

func TestReadMachineIDSkipsMissingAndBlank(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blank := filepath.Join(dir, "blank")
	good := filepath.Join(dir, "good")
	require.NoError(t, os.WriteFile(blank, []byte("  \n"), 0o600))
	require.NoError(t, os.WriteFile(good, []byte("0123abcd\n"), 0o600))

	assert.Equal(t, "0123abcd", readMachineID([]string{filepath.Join(dir, "nope"), blank, good}))
	assert.Equal(t, "", readMachineID([]string{blank}))
}

func TestFingerprintOfIsStable(t *testing.T) {
	t.Parallel()
	a := fingerprintOf("m", "h", "u")
	assert.Equal(t, a, fingerprintOf("m", "h", "u"))
	assert.NotEqual(t, a, fingerprintOf("m", "h", "v"))
	assert.Len(t, a, 32)
}
