package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingModule struct {
	path   string
	closed atomic.Int32
	err    error
}

func (m *countingModule) Method(context.Context, uint32) (*MethodTable, bool, error) {
	return &MethodTable{Document: m.path}, true, nil
}

func (m *countingModule) Close() error {
	m.closed.Add(1)
	return m.err
}

type countingProvider struct {
	mu      sync.Mutex
	opens   map[string]int
	modules map[string]*countingModule
	fail    map[string]error
	delay   time.Duration
}

func newCountingProvider() *countingProvider {
	return &countingProvider{
		opens:   make(map[string]int),
		modules: make(map[string]*countingModule),
		fail:    make(map[string]error),
	}
}

func (p *countingProvider) Open(ctx context.Context, path string) (Module, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens[path]++
	if err, ok := p.fail[path]; ok {
		return nil, err
	}
	m := &countingModule{path: path}
	p.modules[path] = m
	return m, nil
}

func (p *countingProvider) openCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens[path]
}

func TestCacheOpensOnce(t *testing.T) {
	p := newCountingProvider()
	c, err := NewCache(p, 4, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m, release, err := c.Acquire(context.Background(), "/bin/A.dll")
		require.NoError(t, err)
		table, ok, err := m.Method(context.Background(), 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "/bin/A.dll", table.Document)
		release()
		release()
	}

	assert.Equal(t, 1, p.openCount("/bin/A.dll"))
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), p.modules["/bin/A.dll"].closed.Load())
}

func TestCacheConcurrentMisses(t *testing.T) {
	p := newCountingProvider()
	p.delay = 20 * time.Millisecond
	c, err := NewCache(p, 4, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := c.Acquire(context.Background(), "/bin/A.dll")
			if assert.NoError(t, err) {
				release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.openCount("/bin/A.dll"))
	require.NoError(t, c.Close())
}

func TestCacheCachesFailures(t *testing.T) {
	p := newCountingProvider()
	p.fail["/bin/B.dll"] = fmt.Errorf("%w: /bin/B.pdb", ErrNoDebugData)
	c, err := NewCache(p, 4, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := c.Acquire(context.Background(), "/bin/B.dll")
		assert.ErrorIs(t, err, ErrNoDebugData)
		assert.True(t, IsUnavailable(err))
	}
	assert.Equal(t, 1, p.openCount("/bin/B.dll"))
}

func TestCacheDoesNotCacheContextErrors(t *testing.T) {
	p := newCountingProvider()
	c, err := NewCache(p, 4, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = c.Acquire(ctx, "/bin/A.dll")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Len())

	_, release, err := c.Acquire(context.Background(), "/bin/A.dll")
	require.NoError(t, err)
	release()
}

func TestCacheEvictionClosesAfterRelease(t *testing.T) {
	p := newCountingProvider()
	c, err := NewCache(p, 1, nil)
	require.NoError(t, err)

	_, releaseA, err := c.Acquire(context.Background(), "/bin/A.dll")
	require.NoError(t, err)

	_, releaseB, err := c.Acquire(context.Background(), "/bin/B.dll")
	require.NoError(t, err)

	// A was evicted by B but is still held.
	assert.Equal(t, int32(0), p.modules["/bin/A.dll"].closed.Load())
	releaseA()
	assert.Equal(t, int32(1), p.modules["/bin/A.dll"].closed.Load())

	releaseB()
	assert.Equal(t, int32(0), p.modules["/bin/B.dll"].closed.Load())
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), p.modules["/bin/B.dll"].closed.Load())
}

func TestCacheInvalidate(t *testing.T) {
	p := newCountingProvider()
	c, err := NewCache(p, 4, nil)
	require.NoError(t, err)

	_, release, err := c.Acquire(context.Background(), "/bin/A.dll")
	require.NoError(t, err)
	release()
	first := p.modules["/bin/A.dll"]

	assert.True(t, c.Invalidate("/bin/A.dll"))
	assert.False(t, c.Invalidate("/bin/A.dll"))
	assert.Equal(t, int32(1), first.closed.Load())

	_, release, err = c.Acquire(context.Background(), "/bin/A.dll")
	require.NoError(t, err)
	release()
	assert.Equal(t, 2, p.openCount("/bin/A.dll"))
}

func TestCacheCloseErrors(t *testing.T) {
	p := ProviderFunc(func(_ context.Context, path string) (Module, error) {
		return &countingModule{path: path, err: errors.New("busy")}, nil
	})
	c, err := NewCache(p, 4, nil)
	require.NoError(t, err)

	for _, path := range []string{"/bin/A.dll", "/bin/B.dll"} {
		_, release, err := c.Acquire(context.Background(), path)
		require.NoError(t, err)
		release()
	}

	err = c.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/bin/A.dll")
	assert.Contains(t, err.Error(), "/bin/B.dll")

	_, _, err = c.Acquire(context.Background(), "/bin/A.dll")
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	first := Static{"/bin/A.dll": {1: {Document: "a.cs"}}}
	second := Static{"/bin/B.dll": {1: {Document: "b.cs"}}}
	broken := ProviderFunc(func(context.Context, string) (Module, error) {
		return nil, errors.New("disk on fire")
	})

	p := Chain(first, second)

	m, err := p.Open(context.Background(), "/bin/B.dll")
	require.NoError(t, err)
	table, ok, err := m.Method(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b.cs", table.Document)

	_, err = p.Open(context.Background(), "/bin/C.dll")
	assert.ErrorIs(t, err, ErrNoDebugData)

	_, err = Chain(broken, second).Open(context.Background(), "/bin/B.dll")
	assert.EqualError(t, err, "disk on fire")

	corrupt := ProviderFunc(func(context.Context, string) (Module, error) {
		return nil, fmt.Errorf("windows pdb: %w", ErrCorrupt)
	})
	m, err = Chain(corrupt, second).Open(context.Background(), "/bin/B.dll")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = Chain(second, corrupt).Open(context.Background(), "/bin/A.dll")
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Chain().Open(context.Background(), "/bin/B.dll")
	assert.ErrorIs(t, err, ErrNoDebugData)
}

func TestStatic(t *testing.T) {
	p := Static{"/bin/A.dll": {1: {Document: "a.cs"}, 2: nil}}

	m, err := p.Open(context.Background(), "/bin/A.dll")
	require.NoError(t, err)
	defer m.Close()

	_, ok, err := m.Method(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.Method(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
}
