// Package browser executes relay commands against the user's Chrome. The
// Executor validates per-action parameters and drives a Browser backend
// (chromedp or playwright) attached over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrElementNotFound = errors.New("element not found")
	ErrTabNotFound     = errors.New("tab not found")
	ErrNoTabs          = errors.New("no open tabs")
	ErrBrowserClosed   = errors.New("browser closed")
)

// Tab is one page target. IDs are small integers assigned in discovery order
// and stay stable for the life of the backend.
type Tab struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// Browser is the surface the Executor needs from a Chrome backend.
//
// Navigate and OpenTab block until the page load event or ctx expiry; the
// Executor bounds them with its load timeout. Backends report an exhausted
// deadline as context.DeadlineExceeded.
type Browser interface {
	Tabs(ctx context.Context) ([]Tab, error)
	ActiveTab(ctx context.Context) (Tab, error)
	Navigate(ctx context.Context, tabID int, url string) error
	OpenTab(ctx context.Context, url string) (Tab, error)
	Activate(ctx context.Context, tabID int) error
	// Evaluate runs expression in the tab and decodes its JSON value into res.
	Evaluate(ctx context.Context, tabID int, expression string, res any) error
	// WatchLoad returns a channel closed on the tab's next load event. stop
	// releases the listener.
	WatchLoad(ctx context.Context, tabID int) (loaded <-chan struct{}, stop func(), err error)
	Close() error
}

// commandError carries the user-facing message of a failed command while
// still matching its sentinel with errors.Is.
type commandError struct {
	msg  string
	kind error
}

func (e *commandError) Error() string { return e.msg }
func (e *commandError) Unwrap() error { return e.kind }

func tabNotFound(id any) error {
	return &commandError{msg: fmt.Sprintf("Tab not found: %v", id), kind: ErrTabNotFound}
}

func elementNotFound(selector string) error {
	return &commandError{msg: "Element not found: " + selector, kind: ErrElementNotFound}
}

// secondsLabel renders d the way user-facing timeout messages show it.
func secondsLabel(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
