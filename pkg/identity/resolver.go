// Package identity resolves the identifier of this client instance.
//
// Resolution never fails: when the host cannot be fingerprinted, or the auxiliary
// IP lookup fails, the resolver falls back to a random "user-xxxxxxxxx" id.
package identity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/store"
)

const (
	FallbackPrefix     = "user-"
	fallbackSuffixLen  = 9
	DefaultIPLookupURL = "https://api.ipify.org?format=json"

	storeKey = "identity/device-id"
)

// FingerprintFunc returns a value that is stable for this host and user profile.
type FingerprintFunc func(ctx context.Context) (string, error)

// IPLookupFunc returns the public address of this host.
type IPLookupFunc func(ctx context.Context) (string, error)

// Store persists a resolved identity across runs. It is optional.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, val []byte) error
}

type Resolver struct {
	fingerprint FingerprintFunc
	lookupIP    IPLookupFunc
	store       Store
	fallback    func() string

	mu       sync.Mutex
	resolved atomic.Pointer[string]
}

type Option func(*Resolver)

func WithFingerprint(f FingerprintFunc) Option {
	return func(r *Resolver) { r.fingerprint = f }
}

// WithIPLookup sets the auxiliary lookup. A nil func disables it.
func WithIPLookup(f IPLookupFunc) Option {
	return func(r *Resolver) { r.lookupIP = f }
}

func WithStore(s Store) Option {
	return func(r *Resolver) { r.store = s }
}

func WithFallback(f func() string) Option {
	return func(r *Resolver) { r.fallback = f }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fingerprint: HostFingerprint,
		lookupIP:    NewIPLookup(DefaultIPLookupURL, &http.Client{Timeout: 5 * time.Second}),
		fallback:    Fallback,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the device identity. The first call does the work; later calls
// return the same value. Concurrent callers wait for the first resolution.
func (r *Resolver) Resolve(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id := r.resolved.Load(); id != nil {
		return *id
	}

	id := r.load()
	if id == "" {
		var err error
		id, err = r.derive(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("[identity] falling back to a generated id")
			id = r.fallback()
		}
		r.save(id)
	}

	r.resolved.Store(&id)
	log.Info().Str("device_id", id).Msg("[identity] resolved")
	return id
}

// Resolved returns the identity if Resolve has completed.
func (r *Resolver) Resolved() (string, bool) {
	id := r.resolved.Load()
	if id == nil {
		return "", false
	}
	return *id, true
}

func (r *Resolver) derive(ctx context.Context) (string, error) {
	if r.fingerprint == nil {
		return "", errors.New("no fingerprint source")
	}
	fp, err := r.fingerprint(ctx)
	if err != nil {
		return "", err
	}
	if fp == "" {
		return "", errors.New("empty fingerprint")
	}
	if r.lookupIP == nil {
		return fp, nil
	}
	ip, err := r.lookupIP(ctx)
	if err != nil {
		return "", err
	}
	return fp + "-" + ip, nil
}

func (r *Resolver) load() string {
	if r.store == nil {
		return ""
	}
	raw, err := r.store.Get(storeKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("[identity] load stored id")
		}
		return ""
	}
	return string(raw)
}

func (r *Resolver) save(id string) {
	if r.store == nil {
		return
	}
	if err := r.store.Put(storeKey, []byte(id)); err != nil {
		log.Warn().Err(err).Msg("[identity] persist id")
	}
}

var newSuffix = func() func() string {
	gen, err := cuid2.Init(cuid2.WithLength(fallbackSuffixLen))
	if err != nil {
		panic(err)
	}
	return gen
}()

// Fallback generates a random identity of the form user-<9 base36 chars>.
func Fallback() string {
	return FallbackPrefix + newSuffix()
}
