package browser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Actions understood by the Executor.
const (
	ActionNavigate   = "navigate"
	ActionNewTab     = "new_tab"
	ActionClick      = "click"
	ActionType       = "type"
	ActionGetContent = "get_content"
	ActionGetTabs    = "get_tabs"
	ActionSwitchTab  = "switch_tab"
)

// Actions lists every supported action in a stable order.
var Actions = []string{
	ActionNavigate, ActionNewTab, ActionClick, ActionType,
	ActionGetContent, ActionGetTabs, ActionSwitchTab,
}

// ErrUnknownAction marks an action name the Executor does not implement.
var ErrUnknownAction = errors.New("unknown action")

// Params is the decoded parameter record of one action.
type Params interface {
	Action() string
	Validate() error
}

type NavigateParams struct {
	URL string `json:"url"`
}

type NewTabParams struct {
	URL string `json:"url"`
}

type ClickParams struct {
	Selector string `json:"selector"`
}

// TypeParams uses a pointer so an explicit empty string clears the field
// while a missing text is rejected.
type TypeParams struct {
	Selector string  `json:"selector"`
	Text     *string `json:"text"`
}

type GetContentParams struct {
	TabID *TabID `json:"tabId,omitempty"`
}

type GetTabsParams struct{}

type SwitchTabParams struct {
	TabID *TabID `json:"tabId"`
}

func (NavigateParams) Action() string   { return ActionNavigate }
func (NewTabParams) Action() string     { return ActionNewTab }
func (ClickParams) Action() string      { return ActionClick }
func (TypeParams) Action() string       { return ActionType }
func (GetContentParams) Action() string { return ActionGetContent }
func (GetTabsParams) Action() string    { return ActionGetTabs }
func (SwitchTabParams) Action() string  { return ActionSwitchTab }

func (p NavigateParams) Validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return errors.New("url parameter is required")
	}
	return nil
}

func (p NewTabParams) Validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return errors.New("url parameter is required")
	}
	return nil
}

func (p ClickParams) Validate() error {
	if strings.TrimSpace(p.Selector) == "" {
		return errors.New("selector parameter is required")
	}
	return nil
}

func (p TypeParams) Validate() error {
	if strings.TrimSpace(p.Selector) == "" {
		return errors.New("selector parameter is required")
	}
	if p.Text == nil {
		return errors.New("text parameter is required")
	}
	return nil
}

func (GetContentParams) Validate() error { return nil }
func (GetTabsParams) Validate() error    { return nil }

func (p SwitchTabParams) Validate() error {
	if p.TabID == nil {
		return errors.New("tabId parameter is required")
	}
	return nil
}

// DecodeParams decodes raw into the parameter record for action and
// validates it. Missing or null params decode as an empty object.
func DecodeParams(action string, raw json.RawMessage) (Params, error) {
	var p Params
	switch action {
	case ActionNavigate:
		p = &NavigateParams{}
	case ActionNewTab:
		p = &NewTabParams{}
	case ActionClick:
		p = &ClickParams{}
	case ActionType:
		p = &TypeParams{}
	case ActionGetContent:
		p = &GetContentParams{}
	case ActionGetTabs:
		p = &GetTabsParams{}
	case ActionSwitchTab:
		p = &SwitchTabParams{}
	default:
		return nil, &commandError{msg: "Unknown action: " + action, kind: ErrUnknownAction}
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", action, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// TabID accepts either a JSON number or a numeric string.
type TabID int

func (t *TabID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("tabId %q is not a number", s)
		}
		*t = TabID(n)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("tabId must be a number or numeric string")
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return fmt.Errorf("tabId %v is not an integer", f)
	}
	*t = TabID(int(f))
	return nil
}

func (t TabID) Int() int { return int(t) }
