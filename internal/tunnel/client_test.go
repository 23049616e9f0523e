package tunnel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenSource struct {
	mu        sync.Mutex
	fetches   int
	nextToken string
	lifetime  time.Duration
	err       error
}

func (f *fakeTokenSource) FetchToken(string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return f.nextToken, time.Now().Add(f.lifetime), nil
}

func TestClient_AuthedClient_FetchesOnceThenReusesFreshToken(t *testing.T) {
	src := &fakeTokenSource{nextToken: "tok-1", lifetime: time.Hour}
	c := NewClient("gateway.example:443", "user-1", src, RunTLSConfig([32]byte{}))

	ac1, err := c.authedClient()
	require.NoError(t, err)
	ac2, err := c.authedClient()
	require.NoError(t, err)

	assert.Same(t, ac1, ac2, "a still-fresh token must not trigger a refetch")
	src.mu.Lock()
	assert.Equal(t, 1, src.fetches)
	src.mu.Unlock()
}

func TestClient_AuthedClient_RefreshesPastSkewWindow(t *testing.T) {
	src := &fakeTokenSource{nextToken: "tok-1", lifetime: refreshSkew / 2}
	c := NewClient("gateway.example:443", "user-1", src, RunTLSConfig([32]byte{}))

	ac1, err := c.authedClient()
	require.NoError(t, err)

	src.mu.Lock()
	src.nextToken = "tok-2"
	src.lifetime = time.Hour
	src.mu.Unlock()

	ac2, err := c.authedClient()
	require.NoError(t, err)
	assert.NotSame(t, ac1, ac2, "a token already inside the refresh skew window must be replaced")
	assert.Equal(t, "tok-2", ac2.token)
}

func TestClient_AuthedClient_FailedRefreshFallsBackToStaleClient(t *testing.T) {
	src := &fakeTokenSource{nextToken: "tok-1", lifetime: refreshSkew / 2}
	c := NewClient("gateway.example:443", "user-1", src, RunTLSConfig([32]byte{}))

	ac1, err := c.authedClient()
	require.NoError(t, err)

	src.mu.Lock()
	src.err = errors.New("gateway auth unreachable")
	src.mu.Unlock()

	ac2, err := c.authedClient()
	require.NoError(t, err, "a refresh failure must not surface as an error while a stale client exists")
	assert.Same(t, ac1, ac2)
}

func TestClient_AuthedClient_FailedRefreshWithNoPriorClientErrors(t *testing.T) {
	src := &fakeTokenSource{err: errors.New("gateway auth unreachable")}
	c := NewClient("gateway.example:443", "user-1", src, RunTLSConfig([32]byte{}))

	_, err := c.authedClient()
	assert.Error(t, err)
}
