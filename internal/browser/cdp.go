package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ChromeDP drives an already running Chrome over its DevTools endpoint.
type ChromeDP struct {
	logger *slog.Logger

	browserCtx context.Context

	mu     sync.Mutex
	ids    map[target.ID]int
	byID   map[int]target.ID
	live   map[target.ID]bool
	nextID int
	tabs   map[target.ID]*cdpTab
	active target.ID
	closed bool
}

// cdpTab is a chromedp context attached to one page target. Cancelling it
// would close the tab in the user's browser, so it is never cancelled.
type cdpTab struct {
	ctx  context.Context
	once sync.Once
	err  error
}

func (t *cdpTab) attach() error {
	t.once.Do(func() {
		// The first Run binds the target session to t.ctx; it must not be a
		// derived, shorter-lived context.
		t.err = chromedp.Run(t.ctx)
	})
	return t.err
}

// NewChromeDP connects to the DevTools endpoint at devtoolsURL (http:// or
// ws://). No tab is created or closed by connecting.
func NewChromeDP(ctx context.Context, devtoolsURL string, logger *slog.Logger) (*ChromeDP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !DevToolsReachable(ctx, devtoolsURL, 2*time.Second) {
		return nil, fmt.Errorf("chrome devtools not reachable at %s", devtoolsURL)
	}

	allocCtx, _ := chromedp.NewRemoteAllocator(context.Background(), devtoolsURL)
	browserCtx, _ := chromedp.NewContext(allocCtx)

	b := &ChromeDP{
		logger:     logger.With("component", "chromedp"),
		browserCtx: browserCtx,
		ids:        make(map[target.ID]int),
		byID:       make(map[int]target.ID),
		live:       make(map[target.ID]bool),
		nextID:     1,
		tabs:       make(map[target.ID]*cdpTab),
	}

	// Targets allocates the browser connection on browserCtx itself so it
	// outlives this call.
	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("connect to chrome at %s: %w", devtoolsURL, err)
	}
	b.mu.Lock()
	b.index(infos)
	b.mu.Unlock()

	b.logger.Info("connected to chrome", "url", devtoolsURL, "tabs", len(b.ids))
	return b, nil
}

func (b *ChromeDP) Tabs(ctx context.Context) ([]Tab, error) {
	tabs, _, err := b.snapshot(ctx)
	return tabs, err
}

func (b *ChromeDP) ActiveTab(ctx context.Context) (Tab, error) {
	tabs, fallback, err := b.snapshot(ctx)
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
	for _, t := range tabs {
		if t.ID == fallback {
			return t, nil
		}
	}
	return tabs[0], nil
}

func (b *ChromeDP) Navigate(ctx context.Context, tabID int, url string) error {
	tab, err := b.tab(ctx, tabID)
	if err != nil {
		return err
	}
	rctx, cancel := bind(tab.ctx, ctx)
	defer cancel()
	return runError(rctx, chromedp.Run(rctx, chromedp.Navigate(url)))
}

func (b *ChromeDP) OpenTab(ctx context.Context, url string) (Tab, error) {
	if err := b.checkOpen(); err != nil {
		return Tab{}, err
	}

	tctx, tcancel := chromedp.NewContext(b.browserCtx)
	tab := &cdpTab{ctx: tctx}
	// Creates the target (about:blank).
	if err := tab.attach(); err != nil {
		tcancel()
		return Tab{}, fmt.Errorf("open tab: %w", err)
	}
	tid := chromedp.FromContext(tctx).Target.TargetID

	b.mu.Lock()
	id := b.assign(tid)
	b.live[tid] = true
	b.tabs[tid] = tab
	b.active = tid
	b.mu.Unlock()

	result := Tab{ID: id, URL: url, Active: true}

	rctx, cancel := bind(tctx, ctx)
	defer cancel()
	if err := chromedp.Run(rctx, page.BringToFront(), chromedp.Navigate(url)); err != nil {
		return result, runError(rctx, err)
	}
	var title string
	if err := chromedp.Run(rctx, chromedp.Title(&title)); err == nil {
		result.Title = title
	}
	return result, nil
}

func (b *ChromeDP) Activate(ctx context.Context, tabID int) error {
	tab, err := b.tab(ctx, tabID)
	if err != nil {
		return err
	}
	rctx, cancel := bind(tab.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(rctx, page.BringToFront()); err != nil {
		return runError(rctx, err)
	}

	b.mu.Lock()
	b.active = b.byID[tabID]
	b.mu.Unlock()
	return nil
}

func (b *ChromeDP) Evaluate(ctx context.Context, tabID int, expression string, res any) error {
	tab, err := b.tab(ctx, tabID)
	if err != nil {
		return err
	}
	rctx, cancel := bind(tab.ctx, ctx)
	defer cancel()
	return runError(rctx, chromedp.Run(rctx, chromedp.Evaluate(expression, res)))
}

func (b *ChromeDP) WatchLoad(ctx context.Context, tabID int) (<-chan struct{}, func(), error) {
	tab, err := b.tab(ctx, tabID)
	if err != nil {
		return nil, nil, err
	}

	lctx, cancel := context.WithCancel(tab.ctx)
	loaded := make(chan struct{})
	var once sync.Once
	chromedp.ListenTarget(lctx, func(ev any) {
		if _, ok := ev.(*page.EventLoadEventFired); ok {
			once.Do(func() { close(loaded) })
		}
	})
	return loaded, cancel, nil
}

// Close detaches from the backend. Tabs stay open: the browser belongs to
// the user.
func (b *ChromeDP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *ChromeDP) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrowserClosed
	}
	return nil
}

// snapshot lists page targets, assigning ids to new ones and forgetting
// vanished ones. fallback is the first target in browser order.
func (b *ChromeDP) snapshot(ctx context.Context) ([]Tab, int, error) {
	if err := b.checkOpen(); err != nil {
		return nil, 0, err
	}

	rctx, cancel := bind(b.browserCtx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(rctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list tabs: %w", runError(rctx, err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pages := b.index(infos)
	tabs := make([]Tab, 0, len(pages))
	fallback := 0
	for _, info := range pages {
		id := b.ids[info.TargetID]
		if fallback == 0 {
			fallback = id
		}
		tabs = append(tabs, Tab{
			ID:     id,
			Title:  info.Title,
			URL:    info.URL,
			Active: info.TargetID == b.active,
		})
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs, fallback, nil
}

// index assigns ids to page targets and forgets closed ones. Caller holds mu.
func (b *ChromeDP) index(infos []*target.Info) []*target.Info {
	pages := make([]*target.Info, 0, len(infos))
	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		pages = append(pages, info)
		live[info.TargetID] = true
		b.assign(info.TargetID)
	}

	for tid := range b.tabs {
		if !live[tid] {
			delete(b.tabs, tid)
		}
	}
	b.live = live
	if !live[b.active] {
		b.active = ""
	}
	return pages
}

// assign returns tid's id, allocating the next one on first sight. Caller
// holds mu.
func (b *ChromeDP) assign(tid target.ID) int {
	if id, ok := b.ids[tid]; ok {
		return id
	}
	id := b.nextID
	b.nextID++
	b.ids[tid] = id
	b.byID[id] = tid
	return id
}

func (b *ChromeDP) tab(ctx context.Context, tabID int) (*cdpTab, error) {
	if _, _, err := b.snapshot(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	tid, ok := b.byID[tabID]
	var tab *cdpTab
	if ok && b.live[tid] {
		tab = b.tabs[tid]
		if tab == nil {
			tctx, _ := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(tid))
			tab = &cdpTab{ctx: tctx}
			b.tabs[tid] = tab
		}
	}
	b.mu.Unlock()

	if tab == nil {
		return nil, tabNotFound(tabID)
	}
	if err := tab.attach(); err != nil {
		b.mu.Lock()
		if b.tabs[tid] == tab {
			delete(b.tabs, tid)
		}
		b.mu.Unlock()
		return nil, fmt.Errorf("attach to tab %d: %w", tabID, err)
	}
	return tab, nil
}

// bind derives a context that carries base's chromedp state but ends with
// ctx, inheriting its deadline.
func bind(base, ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		c      context.Context
		cancel context.CancelFunc
	)
	if dl, ok := ctx.Deadline(); ok {
		c, cancel = context.WithDeadline(base, dl)
	} else {
		c, cancel = context.WithCancel(base)
	}
	stop := context.AfterFunc(ctx, cancel)
	return c, func() {
		stop()
		cancel()
	}
}

func runError(rctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if rctx.Err() != nil {
		return rctx.Err()
	}
	return err
}
