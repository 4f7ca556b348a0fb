package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/talkdojo/transcribe-gateway/internal/resilience"
)

const (
	// DefaultKeyTTL is how long fetched signing keys are trusted without
	// a refresh.
	DefaultKeyTTL = 10 * time.Minute

	// DefaultMaxKeys bounds the cache size. Identity providers rotate a
	// handful of keys at a time; anything beyond this is a misbehaving
	// key source.
	DefaultMaxKeys = 16
)

type cachedKey struct {
	key       jwk.Key
	fetchedAt time.Time
}

// keyCache is a process-local cache of JWKS signing keys, keyed by key id.
// A lookup miss (or an expired entry) triggers one refresh fetch; a miss
// after refresh means the key id is unknown.
type keyCache struct {
	url    string
	ttl    time.Duration
	max    int
	client *http.Client
	retry  *resilience.RetryConfig

	mu      sync.Mutex
	entries map[string]cachedKey

	now func() time.Time
}

func newKeyCache(opts Options) *keyCache {
	ttl := opts.KeyTTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	max := opts.MaxKeys
	if max <= 0 {
		max = DefaultMaxKeys
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	retry := opts.Retry
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}

	return &keyCache{
		url:     opts.JWKSURL,
		ttl:     ttl,
		max:     max,
		client:  client,
		retry:   retry,
		entries: make(map[string]cachedKey),
		now:     time.Now,
	}
}

// lookup returns the signing key for kid, refreshing the key set once if
// the cached entry is missing or stale.
func (c *keyCache) lookup(ctx context.Context, kid string) (jwk.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[kid]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.key, nil
	}

	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}

	if e, ok := c.entries[kid]; ok {
		return e.key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// refreshLocked fetches the JWKS document and rebuilds the cache from it.
// Callers must hold c.mu.
func (c *keyCache) refreshLocked(ctx context.Context) error {
	var body []byte
	err := resilience.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}, c.retry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return fmt.Errorf("%w: parsing jwks: %v", ErrKeyNotFound, err)
	}

	fetched := c.now()
	entries := make(map[string]cachedKey, set.Len())
	for i := 0; i < set.Len() && len(entries) < c.max; i++ {
		key, ok := set.Key(i)
		if !ok || key.KeyID() == "" {
			continue
		}
		entries[key.KeyID()] = cachedKey{key: key, fetchedAt: fetched}
	}
	c.entries = entries

	return nil
}
