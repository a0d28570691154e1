package browser

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"
)

type fakeTab struct {
	id    int
	title string
	url   string
	text  string
	// elements present on the page
	elements map[string]bool
	values   map[string]string
}

// fakeBrowser interprets the executor's scripts against in-memory tabs.
type fakeBrowser struct {
	mu     sync.Mutex
	tabs   []*fakeTab
	active int
	nextID int

	// navigateBlocks makes Navigate wait for ctx.
	navigateBlocks bool
	// clickNavigatesTo simulates a click that loads a new document.
	clickNavigatesTo string
	loading          bool
	loadWaiters      []chan struct{}
	clicked          []string
}

func newFakeBrowser(tabs ...*fakeTab) *fakeBrowser {
	b := &fakeBrowser{nextID: 1}
	for _, t := range tabs {
		t.id = b.nextID
		b.nextID++
		if t.elements == nil {
			t.elements = map[string]bool{}
		}
		t.values = map[string]string{}
		b.tabs = append(b.tabs, t)
	}
	if len(b.tabs) > 0 {
		b.active = b.tabs[0].id
	}
	return b
}

func (b *fakeBrowser) find(id int) *fakeTab {
	for _, t := range b.tabs {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (b *fakeBrowser) Tabs(ctx context.Context) ([]Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		out = append(out, Tab{ID: t.id, Title: t.title, URL: t.url, Active: t.id == b.active})
	}
	return out, nil
}

func (b *fakeBrowser) ActiveTab(ctx context.Context) (Tab, error) {
	tabs, _ := b.Tabs(ctx)
	for _, t := range tabs {
		if t.Active {
			return t, nil
		}
	}
	return Tab{}, ErrNoTabs
}

func (b *fakeBrowser) Navigate(ctx context.Context, tabID int, url string) error {
	if b.navigateBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.find(tabID)
	if t == nil {
		return tabNotFound(tabID)
	}
	t.url = url
	t.title = "Page at " + url
	t.text = "Welcome to " + url
	return nil
}

func (b *fakeBrowser) OpenTab(ctx context.Context, url string) (Tab, error) {
	b.mu.Lock()
	t := &fakeTab{id: b.nextID, elements: map[string]bool{}, values: map[string]string{}}
	b.nextID++
	b.tabs = append(b.tabs, t)
	b.active = t.id
	b.mu.Unlock()

	if err := b.Navigate(ctx, t.id, url); err != nil {
		return Tab{ID: t.id, URL: url, Active: true}, err
	}
	return Tab{ID: t.id, Title: t.title, URL: url, Active: true}, nil
}

func (b *fakeBrowser) Activate(ctx context.Context, tabID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.find(tabID) == nil {
		return tabNotFound(tabID)
	}
	b.active = tabID
	return nil
}

var (
	selectorRe = regexp.MustCompile(`document\.querySelector\(("(?:[^"\\]|\\.)*")\)`)
	textRe     = regexp.MustCompile(`const text = ("(?:[^"\\]|\\.)*");`)
)

func unquote(s string) string {
	var out string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func (b *fakeBrowser) Evaluate(ctx context.Context, tabID int, expression string, res any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.find(tabID)
	if t == nil {
		return tabNotFound(tabID)
	}

	var v any
	switch {
	case expression == contentScript:
		v = Content{Title: t.title, URL: t.url, Text: t.text}
	case expression == readyStateScript:
		v = "complete"
		if b.loading {
			v = "loading"
		}
	default:
		m := selectorRe.FindStringSubmatch(expression)
		if m == nil {
			v = nil
			break
		}
		selector := unquote(m[1])
		if !t.elements[selector] {
			v = false
			break
		}
		if tm := textRe.FindStringSubmatch(expression); tm != nil {
			t.values[selector] = unquote(tm[1])
		} else {
			b.clicked = append(b.clicked, selector)
			if b.clickNavigatesTo != "" {
				b.startNavigation(t)
			}
		}
		v = true
	}

	data, _ := json.Marshal(v)
	return json.Unmarshal(data, res)
}

// startNavigation loads clickNavigatesTo into t after a short delay. Caller
// holds mu.
func (b *fakeBrowser) startNavigation(t *fakeTab) {
	b.loading = true
	url := b.clickNavigatesTo
	waiters := b.loadWaiters
	b.loadWaiters = nil
	go func() {
		time.Sleep(30 * time.Millisecond)
		b.mu.Lock()
		t.url = url
		t.title = "Page at " + url
		t.text = "Welcome to " + url
		b.loading = false
		b.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}
	}()
}

func (b *fakeBrowser) WatchLoad(ctx context.Context, tabID int) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.find(tabID) == nil {
		return nil, nil, tabNotFound(tabID)
	}
	ch := make(chan struct{})
	b.loadWaiters = append(b.loadWaiters, ch)
	return ch, func() {}, nil
}

func (b *fakeBrowser) Close() error { return nil }

func (b *fakeBrowser) value(tabID int, selector string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.find(tabID).values[selector]
}
