// File: internal/coordinator/coordinator_test.go

package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/cache"
	"github.com/prismbot/prism/internal/events"
	"github.com/prismbot/prism/internal/recovery"
	"github.com/prismbot/prism/internal/state"
	"github.com/prismbot/prism/internal/tools"
)

// stubBrowser satisfies tools.Navigator without a real driver.
type stubBrowser struct {
	url string
}

func (s *stubBrowser) Navigate(ctx context.Context, url string) error { s.url = url; return nil }
func (s *stubBrowser) CurrentURL(context.Context) (string, error)     { return s.url, nil }
func (s *stubBrowser) Title(context.Context) (string, error)          { return "", nil }
func (s *stubBrowser) Content(context.Context) (string, error)        { return "<html></html>", nil }
func (s *stubBrowser) Click(context.Context, string) error            { return nil }
func (s *stubBrowser) Type(context.Context, string, string) error     { return nil }
func (s *stubBrowser) SelectOption(ctx context.Context, sel, v string) error { return nil }
func (s *stubBrowser) WaitForSelector(ctx context.Context, sel string, d time.Duration) error {
	return nil
}
func (s *stubBrowser) GetText(context.Context, string) (string, error) { return "", nil }
func (s *stubBrowser) Screenshot(ctx context.Context, opts schemas.ScreenshotOptions) ([]byte, error) {
	return nil, nil
}
func (s *stubBrowser) ExecuteScript(ctx context.Context, script string, out any) error { return nil }
func (s *stubBrowser) Close(context.Context) error                                     { return nil }
func (s *stubBrowser) WaitForLoad(ctx context.Context, timeout time.Duration) error    { return nil }

// stubPool counts acquisitions and releases.
type stubPool struct {
	acquired atomic.Int64
	released atomic.Int64
	closed   atomic.Bool
}

func (p *stubPool) Acquire(ctx context.Context) (schemas.Browser, error) {
	p.acquired.Add(1)
	return &stubBrowser{}, nil
}
func (p *stubPool) Release(b schemas.Browser) { p.released.Add(1) }
func (p *stubPool) Close(ctx context.Context) error {
	p.closed.Store(true)
	return nil
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *stubPool) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool := &stubPool{}
	co := New(cfg, pool, events.NewBus(logger, 50), cache.NewCache(logger, 1<<20),
		state.NewManager(logger), logger, nil)
	t.Cleanup(func() { _ = co.Close(context.Background()) })
	return co, pool
}

func TestCreateAndRemoveSession(t *testing.T) {
	co, pool := newTestCoordinator(t, Config{})

	sess, err := co.CreateSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, int64(1), pool.acquired.Load())

	got, ok := co.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	require.NoError(t, co.RemoveSession(context.Background(), sess.ID, "test"))
	assert.Equal(t, int64(1), pool.released.Load())
	_, ok = co.Get(sess.ID)
	assert.False(t, ok)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	co, pool := newTestCoordinator(t, Config{})

	a, err := co.GetOrCreate(context.Background(), "fixed-id")
	require.NoError(t, err)
	b, err := co.GetOrCreate(context.Background(), "fixed-id")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int64(1), pool.acquired.Load())
}

func TestSessionCapAdmission(t *testing.T) {
	co, _ := newTestCoordinator(t, Config{MaxSessions: 2})

	_, err := co.CreateSession(context.Background())
	require.NoError(t, err)
	_, err = co.CreateSession(context.Background())
	require.NoError(t, err)

	_, err = co.CreateSession(context.Background())
	var resErr *recovery.ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "sessions", resErr.Resource)
}

func TestRemoveUnknownSession(t *testing.T) {
	co, _ := newTestCoordinator(t, Config{})
	err := co.RemoveSession(context.Background(), "ghost", "test")
	var sessErr *recovery.SessionError
	assert.ErrorAs(t, err, &sessErr)
}

func TestListSessions(t *testing.T) {
	co, _ := newTestCoordinator(t, Config{})
	_, err := co.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	_, err = co.GetOrCreate(context.Background(), "s2")
	require.NoError(t, err)

	infos := co.ListSessions()
	require.Len(t, infos, 2)
	ids := []string{infos[0].SessionID, infos[1].SessionID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

// gatedPool parks the first Acquire until released so tests can observe the
// creation-in-flight window.
type gatedPool struct {
	stubPool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPool) Acquire(ctx context.Context) (schemas.Browser, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return p.stubPool.Acquire(ctx)
}

func TestConcurrentCreateSameIDReportsInFlight(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := &gatedPool{entered: make(chan struct{}), release: make(chan struct{})}
	co := New(Config{}, pool, events.NewBus(logger, 0), cache.NewCache(logger, 1<<20),
		state.NewManager(logger), logger, nil)
	defer co.Close(context.Background())

	first := make(chan error, 1)
	go func() {
		_, err := co.GetOrCreate(context.Background(), "dup")
		first <- err
	}()
	<-pool.entered

	_, err := co.GetOrCreate(context.Background(), "dup")
	require.ErrorIs(t, err, recovery.ErrCreateInFlight)
	var sessErr *recovery.SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, "dup", sessErr.SessionID)

	close(pool.release)
	require.NoError(t, <-first)
	_, ok := co.Get("dup")
	assert.True(t, ok)
}

func TestUsageCountersAccrueFromEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := &stubPool{}
	bus := events.NewBus(logger, 100)
	unified := cache.NewCache(logger, 1<<20, cache.WithEmitter(bus.Publish))
	co := New(Config{}, pool, bus, unified, state.NewManager(logger), logger, nil)
	defer co.Close(context.Background())

	sess, err := co.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)

	ctx := context.Background()
	// Cold analysis: one unified-cache miss, one real perception pass.
	_, err = sess.Perception().AnalyzePage(ctx)
	require.NoError(t, err)
	// Re-analysis after an invalidation is served from the unified cache.
	sess.Perception().InvalidateOnNavigation()
	_, err = sess.Perception().AnalyzePage(ctx)
	require.NoError(t, err)

	usage := sess.ResourceUsage()
	assert.Equal(t, int64(1), usage.PerceptionOps)
	assert.Equal(t, int64(1), usage.CacheMisses)
	assert.Equal(t, int64(1), usage.CacheHits)

	health := co.SystemHealth(ctx)
	assert.Equal(t, int64(1), health.Usage.PerceptionOps)
	assert.Equal(t, int64(1), health.Usage.CacheHits)
	assert.Equal(t, int64(1), health.Usage.CacheMisses)
}

func TestToolExecutionsLandInSessionHistory(t *testing.T) {
	co, _ := newTestCoordinator(t, Config{})

	sess, err := co.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	reg, err := sess.Tools()
	require.NoError(t, err)

	_, err = reg.Execute(context.Background(), "extract_text", tools.RawMessage(`{"selector":"h1"}`))
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), "click", tools.RawMessage(`{}`))
	require.Error(t, err)

	var recs []state.ToolRecord
	co.state.Read("s1", func(st *state.SessionState) {
		recs = append(recs, st.ToolHistory...)
	})
	require.Len(t, recs, 2)
	assert.Equal(t, "extract_text", recs[0].ToolName)
	assert.True(t, recs[0].Success)
	assert.NotEmpty(t, recs[0].ExecutionID)
	assert.Equal(t, "click", recs[1].ToolName)
	assert.False(t, recs[1].Success)
	assert.NotEmpty(t, recs[1].Error)
}

func TestIdleReaperClosesStaleSessions(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := &stubPool{}
	bus := events.NewBus(logger, 50)
	co := New(Config{
		IdleTimeout:  30 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	}, pool, bus, cache.NewCache(logger, 1<<20), state.NewManager(logger), logger, nil)
	defer co.Close(context.Background())

	var timeouts atomic.Int64
	bus.Subscribe(events.SessionTimeout, func(ev events.Event) error {
		timeouts.Add(1)
		return nil
	}, nil)

	sess, err := co.CreateSession(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := co.Get(sess.ID)
		return !ok
	}, time.Second, 10*time.Millisecond, "idle session must be reaped")
	assert.GreaterOrEqual(t, timeouts.Load(), int64(1))
	assert.Equal(t, pool.acquired.Load(), pool.released.Load())
}

func TestActiveSessionSurvivesReaper(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := &stubPool{}
	co := New(Config{
		IdleTimeout:  60 * time.Millisecond,
		ReapInterval: 15 * time.Millisecond,
	}, pool, events.NewBus(logger, 0), cache.NewCache(logger, 1<<20), state.NewManager(logger), logger, nil)
	defer co.Close(context.Background())

	sess, err := co.CreateSession(context.Background())
	require.NoError(t, err)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		sess.Touch()
		time.Sleep(10 * time.Millisecond)
	}
	_, ok := co.Get(sess.ID)
	assert.True(t, ok, "touched session must not be reaped")
}

func TestSystemHealthAggregates(t *testing.T) {
	co, _ := newTestCoordinator(t, Config{})

	health := co.SystemHealth(context.Background())
	assert.Equal(t, schemas.StatusHealthy, health.Status)
	assert.Zero(t, health.ActiveSessions)

	_, err := co.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)

	health = co.SystemHealth(context.Background())
	assert.Equal(t, 1, health.ActiveSessions)
	assert.Equal(t, 1, health.HealthySessions)
	assert.Equal(t, schemas.StatusHealthy, health.Status)
}

func TestCloseDrainsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger := zaptest.NewLogger(t)
	pool := &stubPool{}
	co := New(Config{}, pool, events.NewBus(logger, 0), cache.NewCache(logger, 1<<20),
		state.NewManager(logger), logger, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := co.CreateSession(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, co.Close(context.Background()))
	assert.True(t, pool.closed.Load())
	assert.Equal(t, pool.acquired.Load(), pool.released.Load())

	_, err := co.CreateSession(context.Background())
	assert.Error(t, err)
	require.NoError(t, co.Close(context.Background()), "close must be idempotent")
}
