package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Options tunes the Executor. Zero fields take the defaults.
type Options struct {
	LoadTimeout       time.Duration
	SettleDelay       time.Duration
	NavigationTimeout time.Duration
	MaxContentLength  int
	Extractor         ContentExtractor
	Logger            *slog.Logger
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		LoadTimeout:       30 * time.Second,
		SettleDelay:       500 * time.Millisecond,
		NavigationTimeout: 3 * time.Second,
		MaxContentLength:  50000,
		Extractor:         InnerTextExtractor{},
	}
}

// Executor runs relay commands against a Browser. It is safe for concurrent
// use; commands for different tabs do not block each other.
type Executor struct {
	browser Browser
	opts    Options
	logger  *slog.Logger
	audit   *auditLogger
}

// NewExecutor creates an executor over b.
func NewExecutor(b Browser, opts Options) *Executor {
	def := DefaultOptions()
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = def.LoadTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = def.NavigationTimeout
	}
	if opts.MaxContentLength == 0 {
		opts.MaxContentLength = def.MaxContentLength
	}
	if opts.Extractor == nil {
		opts.Extractor = def.Extractor
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		browser: b,
		opts:    opts,
		logger:  logger.With("component", "executor"),
		audit:   newAuditLogger(logger),
	}
}

// Execute decodes params for action and runs it. The returned string is the
// command output; errors carry the user-facing failure message.
func (e *Executor) Execute(ctx context.Context, action string, params json.RawMessage) (string, error) {
	p, err := DecodeParams(action, params)
	if err != nil {
		return "", err
	}

	start := time.Now()
	out, err := e.run(ctx, p)
	e.audit.logCommand(p, time.Since(start), err)
	return out, err
}

// Close releases the browser backend.
func (e *Executor) Close() error {
	return e.browser.Close()
}

func (e *Executor) run(ctx context.Context, p Params) (string, error) {
	switch v := p.(type) {
	case *NavigateParams:
		return e.navigate(ctx, v)
	case *NewTabParams:
		return e.newTab(ctx, v)
	case *ClickParams:
		return e.click(ctx, v)
	case *TypeParams:
		return e.typeText(ctx, v)
	case *GetContentParams:
		return e.getContent(ctx, v)
	case *GetTabsParams:
		return e.getTabs(ctx)
	case *SwitchTabParams:
		return e.switchTab(ctx, v)
	}
	return "", &commandError{msg: "Unknown action: " + p.Action(), kind: ErrUnknownAction}
}

func (e *Executor) navigate(ctx context.Context, p *NavigateParams) (string, error) {
	tab, err := e.browser.ActiveTab(ctx)
	if err != nil {
		return "", err
	}
	err = e.load(ctx, func(lctx context.Context) error {
		return e.browser.Navigate(lctx, tab.ID, p.URL)
	})
	if err != nil {
		return "", err
	}
	return e.withContent(ctx, tab.ID, "Navigated to "+p.URL), nil
}

func (e *Executor) newTab(ctx context.Context, p *NewTabParams) (string, error) {
	var tab Tab
	err := e.load(ctx, func(lctx context.Context) error {
		var err error
		tab, err = e.browser.OpenTab(lctx, p.URL)
		return err
	})
	if err != nil {
		return "", err
	}
	return e.withContent(ctx, tab.ID, fmt.Sprintf("Opened new tab (id: %d)", tab.ID)), nil
}

func (e *Executor) click(ctx context.Context, p *ClickParams) (string, error) {
	tab, err := e.browser.ActiveTab(ctx)
	if err != nil {
		return "", err
	}

	loaded, stop, err := e.browser.WatchLoad(ctx, tab.ID)
	if err != nil {
		return "", err
	}
	defer stop()

	var found bool
	if err := e.browser.Evaluate(ctx, tab.ID, clickScript(p.Selector), &found); err != nil {
		return "", fmt.Errorf("click %s: %w", p.Selector, err)
	}
	if !found {
		return "", elementNotFound(p.Selector)
	}

	if err := sleepContext(ctx, e.opts.SettleDelay); err != nil {
		return "", err
	}
	e.awaitNavigation(ctx, tab.ID, loaded)

	return e.withContent(ctx, tab.ID, "Clicked: "+p.Selector), nil
}

// awaitNavigation waits up to the navigation timeout when the click left the
// tab loading a new document. A page that stayed put returns immediately.
func (e *Executor) awaitNavigation(ctx context.Context, tabID int, loaded <-chan struct{}) {
	select {
	case <-loaded:
		return
	default:
	}

	var state string
	if err := e.browser.Evaluate(ctx, tabID, readyStateScript, &state); err == nil && state == "complete" {
		return
	}

	timer := time.NewTimer(e.opts.NavigationTimeout)
	defer timer.Stop()
	select {
	case <-loaded:
	case <-timer.C:
		e.logger.Debug("navigation after click did not finish", "tab", tabID)
	case <-ctx.Done():
	}
}

func (e *Executor) typeText(ctx context.Context, p *TypeParams) (string, error) {
	tab, err := e.browser.ActiveTab(ctx)
	if err != nil {
		return "", err
	}

	var found bool
	if err := e.browser.Evaluate(ctx, tab.ID, typeScript(p.Selector, *p.Text), &found); err != nil {
		return "", fmt.Errorf("type into %s: %w", p.Selector, err)
	}
	if !found {
		return "", elementNotFound(p.Selector)
	}
	return "Typed into: " + p.Selector, nil
}

func (e *Executor) getContent(ctx context.Context, p *GetContentParams) (string, error) {
	var tabID int
	if p.TabID != nil {
		tabID = p.TabID.Int()
	} else {
		tab, err := e.browser.ActiveTab(ctx)
		if err != nil {
			return "", err
		}
		tabID = tab.ID
	}

	c, err := e.opts.Extractor.Extract(ctx, e.browser, tabID)
	if err != nil {
		return "", err
	}
	return formatContent(c, e.opts.MaxContentLength), nil
}

func (e *Executor) getTabs(ctx context.Context) (string, error) {
	tabs, err := e.browser.Tabs(ctx)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(tabs))
	for _, t := range tabs {
		lines = append(lines, fmt.Sprintf("%d: \"%s\" - %s", t.ID, t.Title, t.URL))
	}
	return strings.Join(lines, "\n"), nil
}

func (e *Executor) switchTab(ctx context.Context, p *SwitchTabParams) (string, error) {
	id := p.TabID.Int()
	if err := e.browser.Activate(ctx, id); err != nil {
		return "", err
	}
	return e.withContent(ctx, id, fmt.Sprintf("Switched to tab %d", id)), nil
}

// load bounds fn by the load timeout and reports an expired wait with the
// user-facing message.
func (e *Executor) load(ctx context.Context, fn func(context.Context) error) error {
	lctx, cancel := context.WithTimeout(ctx, e.opts.LoadTimeout)
	defer cancel()

	err := fn(lctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(lctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("Page load timed out (%s)", secondsLabel(e.opts.LoadTimeout))
	}
	return err
}

func (e *Executor) withContent(ctx context.Context, tabID int, header string) string {
	c, err := e.opts.Extractor.Extract(ctx, e.browser, tabID)
	if err != nil {
		e.logger.Debug("content extraction failed", "tab", tabID, "error", err)
		return header + "\n\nContent unavailable: " + err.Error()
	}
	return header + "\n\n" + formatContent(c, e.opts.MaxContentLength)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
