package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Playwright drives the user's Chrome through playwright-go's CDP
// connection. It needs the playwright driver but no bundled browsers.
type Playwright struct {
	logger  *slog.Logger
	pw      *playwright.Playwright
	browser playwright.Browser

	mu     sync.Mutex
	ids    map[playwright.Page]int
	pages  map[int]playwright.Page
	nextID int
	active int
	closed bool
}

// NewPlaywright starts the playwright driver and connects to devtoolsURL.
func NewPlaywright(ctx context.Context, devtoolsURL string, logger *slog.Logger) (*Playwright, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !DevToolsReachable(ctx, devtoolsURL, 2*time.Second) {
		return nil, fmt.Errorf("chrome devtools not reachable at %s", devtoolsURL)
	}

	if err := playwright.Install(&playwright.RunOptions{SkipInstallBrowsers: true}); err != nil {
		return nil, fmt.Errorf("failed to install playwright driver: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.ConnectOverCDP(devtoolsURL)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to connect to CDP at %s: %w", devtoolsURL, err)
	}

	b := &Playwright{
		logger:  logger.With("component", "playwright"),
		pw:      pw,
		browser: browser,
		ids:     make(map[playwright.Page]int),
		pages:   make(map[int]playwright.Page),
		nextID:  1,
	}
	b.mu.Lock()
	b.index()
	b.mu.Unlock()

	b.logger.Info("connected to chrome", "url", devtoolsURL, "tabs", len(b.pages))
	return b, nil
}

func (b *Playwright) Tabs(ctx context.Context) ([]Tab, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrowserClosed
	}
	b.index()
	pages := make(map[int]playwright.Page, len(b.pages))
	for id, p := range b.pages {
		pages[id] = p
	}
	active := b.active
	b.mu.Unlock()

	tabs := make([]Tab, 0, len(pages))
	for id, p := range pages {
		title, _ := p.Title()
		tabs = append(tabs, Tab{ID: id, Title: title, URL: p.URL(), Active: id == active})
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs, nil
}

func (b *Playwright) ActiveTab(ctx context.Context) (Tab, error) {
	tabs, err := b.Tabs(ctx)
	if err != nil {
		return Tab{}, err
	}
	if len(tabs) == 0 {
		return Tab{}, ErrNoTabs
	}
	for _, t := range tabs {
		if t.Active {
			return t, nil
		}
	}
	return tabs[0], nil
}

func (b *Playwright) Navigate(ctx context.Context, tabID int, url string) error {
	p, err := b.page(tabID)
	if err != nil {
		return err
	}
	_, err = p.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMillis(ctx),
	})
	return gotoError(ctx, err)
}

func (b *Playwright) OpenTab(ctx context.Context, url string) (Tab, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Tab{}, ErrBrowserClosed
	}
	b.mu.Unlock()

	var bctx playwright.BrowserContext
	if contexts := b.browser.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else {
		var err error
		if bctx, err = b.browser.NewContext(); err != nil {
			return Tab{}, fmt.Errorf("failed to create browser context: %w", err)
		}
	}

	p, err := bctx.NewPage()
	if err != nil {
		return Tab{}, fmt.Errorf("failed to create page: %w", err)
	}

	b.mu.Lock()
	id := b.assign(p)
	b.active = id
	b.mu.Unlock()

	_ = p.BringToFront()
	tab := Tab{ID: id, URL: url, Active: true}
	_, err = p.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMillis(ctx),
	})
	if err := gotoError(ctx, err); err != nil {
		return tab, err
	}
	tab.Title, _ = p.Title()
	tab.URL = p.URL()
	return tab, nil
}

func (b *Playwright) Activate(ctx context.Context, tabID int) error {
	p, err := b.page(tabID)
	if err != nil {
		return err
	}
	if err := p.BringToFront(); err != nil {
		return fmt.Errorf("activate tab %d: %w", tabID, err)
	}
	b.mu.Lock()
	b.active = tabID
	b.mu.Unlock()
	return nil
}

func (b *Playwright) Evaluate(ctx context.Context, tabID int, expression string, res any) error {
	p, err := b.page(tabID)
	if err != nil {
		return err
	}
	v, err := p.Evaluate(expression)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if res == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode evaluate result: %w", err)
	}
	return json.Unmarshal(data, res)
}

func (b *Playwright) WatchLoad(ctx context.Context, tabID int) (<-chan struct{}, func(), error) {
	p, err := b.page(tabID)
	if err != nil {
		return nil, nil, err
	}
	loaded := make(chan struct{})
	var once sync.Once
	handler := func(playwright.Page) {
		once.Do(func() { close(loaded) })
	}
	p.OnLoad(handler)
	return loaded, func() { p.RemoveListener("load", handler) }, nil
}

// Close stops the playwright driver. The user's browser keeps running.
func (b *Playwright) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.pw.Stop(); err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

func (b *Playwright) page(tabID int) (playwright.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrowserClosed
	}
	b.index()
	p, ok := b.pages[tabID]
	if !ok {
		return nil, tabNotFound(tabID)
	}
	return p, nil
}

// index registers pages opened since the last call and forgets closed ones.
// Caller holds mu.
func (b *Playwright) index() {
	for _, bctx := range b.browser.Contexts() {
		for _, p := range bctx.Pages() {
			b.assign(p)
		}
	}
	for id, p := range b.pages {
		if p.IsClosed() {
			delete(b.pages, id)
			delete(b.ids, p)
			if b.active == id {
				b.active = 0
			}
		}
	}
}

func (b *Playwright) assign(p playwright.Page) int {
	if id, ok := b.ids[p]; ok {
		return id
	}
	id := b.nextID
	b.nextID++
	b.ids[p] = id
	b.pages[id] = p
	return id
}

func timeoutMillis(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return playwright.Float(0)
	}
	ms := float64(time.Until(dl).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

func gotoError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return context.DeadlineExceeded
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("navigation failed: %w", err)
}
