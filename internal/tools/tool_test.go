// File: internal/tools/tool_test.go

package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/cache"
	"github.com/prismbot/prism/internal/events"
	"github.com/prismbot/prism/internal/recovery"
)

// scriptedBrowser records calls and serves canned responses.
type scriptedBrowser struct {
	mu       sync.Mutex
	calls    []string
	url      string
	title    string
	text     string
	failWith error
}

func (s *scriptedBrowser) note(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.failWith
}

func (s *scriptedBrowser) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedBrowser) Navigate(ctx context.Context, url string) error {
	s.url = url
	return s.note("navigate " + url)
}
func (s *scriptedBrowser) CurrentURL(context.Context) (string, error) { return s.url, nil }
func (s *scriptedBrowser) Title(context.Context) (string, error)      { return s.title, nil }
func (s *scriptedBrowser) Content(context.Context) (string, error)    { return "", nil }
func (s *scriptedBrowser) Click(ctx context.Context, sel string) error {
	return s.note("click " + sel)
}
func (s *scriptedBrowser) Type(ctx context.Context, sel, text string) error {
	return s.note("type " + sel)
}
func (s *scriptedBrowser) SelectOption(ctx context.Context, sel, v string) error {
	return s.note("select " + sel + "=" + v)
}
func (s *scriptedBrowser) WaitForSelector(ctx context.Context, sel string, timeout time.Duration) error {
	return s.note("wait " + sel)
}
func (s *scriptedBrowser) GetText(ctx context.Context, sel string) (string, error) {
	if err := s.note("get_text " + sel); err != nil {
		return "", err
	}
	return s.text, nil
}
func (s *scriptedBrowser) Screenshot(ctx context.Context, opts schemas.ScreenshotOptions) ([]byte, error) {
	if err := s.note("screenshot"); err != nil {
		return nil, err
	}
	return []byte{0x89, 0x50, 0x4e, 0x47}, nil
}
func (s *scriptedBrowser) ExecuteScript(ctx context.Context, script string, out any) error {
	return s.note("script")
}
func (s *scriptedBrowser) Close(context.Context) error { return nil }
func (s *scriptedBrowser) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	return s.note("wait_for_load")
}

func newTestRegistry(t *testing.T, b *scriptedBrowser) (*Registry, *events.Bus) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 50)
	reg := NewRegistry("sess-1", bus, logger)
	c := cache.NewCache(logger, 1<<20)
	require.NoError(t, RegisterBuiltins(reg, "sess-1", b, c, nil))
	return reg, bus
}

func TestRegistryRegistersAllBuiltins(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	names := reg.Names()
	for _, want := range []string{
		"navigate_to_url", "click", "type", "select", "wait", "wait_for_element",
		"wait_for_load", "extract_text", "screenshot", "scroll_page",
		"get_element_info", "persistent_cache_op",
	} {
		assert.Contains(t, names, want)
	}
	assert.Len(t, names, 12)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	err := reg.Register(NewWaitTool())
	assert.Error(t, err)
}

func TestExecuteUnknownTool(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	_, err := reg.Execute(context.Background(), "teleport", RawMessage(`{}`))
	var toolErr *recovery.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "teleport", toolErr.ToolName)
}

func TestNavigateValidatesURL(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	for _, bad := range []string{`{}`, `{"url":"ftp://x.example"}`, `{"url":"not a url"}`, `{"url":"https://"}`} {
		_, err := reg.Execute(context.Background(), "navigate_to_url", RawMessage(bad))
		assert.Error(t, err, "input %s must be rejected", bad)
	}
}

func TestNavigateReturnsFinalURLAndTitle(t *testing.T) {
	b := &scriptedBrowser{title: "Example"}
	reg, _ := newTestRegistry(t, b)

	out, err := reg.Execute(context.Background(), "navigate_to_url",
		RawMessage(`{"url":"https://example.com/a"}`))
	require.NoError(t, err)

	var result NavigateOutput
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "https://example.com/a", result.FinalURL)
	assert.Equal(t, "Example", result.Title)
}

func TestNavigateHookReplacesRawNavigation(t *testing.T) {
	b := &scriptedBrowser{}
	logger := zaptest.NewLogger(t)
	reg := NewRegistry("sess-1", events.NewBus(logger, 0), logger)
	c := cache.NewCache(logger, 1<<20)

	var hooked []string
	hook := func(ctx context.Context, url string) error {
		hooked = append(hooked, url)
		return b.Navigate(ctx, url)
	}
	require.NoError(t, RegisterBuiltins(reg, "sess-1", b, c, hook))

	_, err := reg.Execute(context.Background(), "navigate_to_url",
		RawMessage(`{"url":"https://example.com/"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/"}, hooked)
}

func TestClickWaitsForElementByDefault(t *testing.T) {
	b := &scriptedBrowser{}
	reg, _ := newTestRegistry(t, b)

	_, err := reg.Execute(context.Background(), "click", RawMessage(`{"selector":"#go"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"wait #go", "click #go"}, b.callNames())
}

func TestClickSkipsWaitWhenDisabled(t *testing.T) {
	b := &scriptedBrowser{}
	reg, _ := newTestRegistry(t, b)

	_, err := reg.Execute(context.Background(), "click",
		RawMessage(`{"selector":"#go","wait_for_element":false}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"click #go"}, b.callNames())
}

func TestEmptySelectorRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	for _, tool := range []string{"click", "type", "select", "wait_for_element", "extract_text", "get_element_info"} {
		_, err := reg.Execute(context.Background(), tool, RawMessage(`{"selector":"","text":"x","value":"y"}`))
		assert.Error(t, err, "tool %s must reject empty selector", tool)
	}
}

func TestScrollRejectsNonPositiveAmount(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	_, err := reg.Execute(context.Background(), "scroll_page", RawMessage(`{"amount":0}`))
	assert.Error(t, err)
	_, err = reg.Execute(context.Background(), "scroll_page", RawMessage(`{"amount":-5}`))
	assert.Error(t, err)
}

func TestWaitHonorsCancellation(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := reg.Execute(ctx, "wait", RawMessage(`{"duration_ms":5000}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExtractTextReportsBrowserError(t *testing.T) {
	b := &scriptedBrowser{failWith: &recovery.BrowserError{Message: "no node", Recoverable: false}}
	reg, _ := newTestRegistry(t, b)

	_, err := reg.Execute(context.Background(), "extract_text", RawMessage(`{"selector":"#missing"}`))
	var bErr *recovery.BrowserError
	assert.ErrorAs(t, err, &bErr)
}

func TestCacheOpRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})

	_, err := reg.Execute(context.Background(), "persistent_cache_op",
		RawMessage(`{"op":"set","key":"k1","value":"v1"}`))
	require.NoError(t, err)

	out, err := reg.Execute(context.Background(), "persistent_cache_op",
		RawMessage(`{"op":"get","key":"k1"}`))
	require.NoError(t, err)
	var result CacheOpOutput
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Found)
	assert.Equal(t, "v1", result.Value)

	out, err = reg.Execute(context.Background(), "persistent_cache_op",
		RawMessage(`{"op":"delete","key":"k1"}`))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Found)

	out, err = reg.Execute(context.Background(), "persistent_cache_op",
		RawMessage(`{"op":"get","key":"k1"}`))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &result))
	assert.False(t, result.Found)
}

func TestCacheOpRejectsBadOp(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	_, err := reg.Execute(context.Background(), "persistent_cache_op",
		RawMessage(`{"op":"zap","key":"k"}`))
	assert.Error(t, err)
}

func TestRegistryEmitsLifecycleEvents(t *testing.T) {
	b := &scriptedBrowser{}
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 50)
	reg := NewRegistry("sess-1", bus, logger)
	c := cache.NewCache(logger, 1<<20)
	require.NoError(t, RegisterBuiltins(reg, "sess-1", b, c, nil))

	var mu sync.Mutex
	var seen []events.Type
	for _, et := range []events.Type{events.ToolExecutionStarted, events.ToolExecutionCompleted, events.ToolExecutionFailed} {
		bus.Subscribe(et, func(ev events.Event) error {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
			return nil
		}, nil)
	}

	_, err := reg.Execute(context.Background(), "click", RawMessage(`{"selector":"#a","wait_for_element":false}`))
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), "click", RawMessage(`{"selector":""}`))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Type{
		events.ToolExecutionStarted, events.ToolExecutionCompleted,
		events.ToolExecutionStarted, events.ToolExecutionFailed,
	}, seen)
}

func TestHistoryBounded(t *testing.T) {
	reg, _ := newTestRegistry(t, &scriptedBrowser{})
	for i := 0; i < executionHistoryCap+20; i++ {
		_, err := reg.Execute(context.Background(), "wait",
			RawMessage(fmt.Sprintf(`{"duration_ms":%d}`, 1)))
		require.NoError(t, err)
	}
	history := reg.History()
	assert.Len(t, history, executionHistoryCap)
	for _, rec := range history {
		assert.True(t, rec.Success)
		assert.True(t, strings.HasPrefix(rec.ToolName, "wait"))
	}
}

func TestValidateInputWithoutExecuting(t *testing.T) {
	b := &scriptedBrowser{}
	reg, _ := newTestRegistry(t, b)

	tool, ok := reg.Get("click")
	require.True(t, ok)
	require.NoError(t, tool.ValidateInput(RawMessage(`{"selector":"#x"}`)))
	assert.Error(t, tool.ValidateInput(RawMessage(`{"selector":""}`)))
	assert.Error(t, tool.ValidateInput(RawMessage(`{bad json`)))
	assert.Empty(t, b.callNames())
}
