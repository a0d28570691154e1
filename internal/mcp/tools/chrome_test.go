package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChromeParamsKeepsOnlySetFields(t *testing.T) {
	empty := ""
	tab := 2

	assert.Equal(t, map[string]any{}, chromeParams(ChromeInput{Action: "get_tabs"}))
	assert.Equal(t,
		map[string]any{"selector": "#q", "text": ""},
		chromeParams(ChromeInput{Action: "type", Selector: "#q", Text: &empty}))
	assert.Equal(t,
		map[string]any{"tabId": 2},
		chromeParams(ChromeInput{Action: "switch_tab", TabID: &tab}))
	assert.Equal(t,
		map[string]any{"url": "https://example.com"},
		chromeParams(ChromeInput{Action: "navigate", URL: "https://example.com"}))
}
