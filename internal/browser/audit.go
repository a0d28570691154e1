package browser

import (
	"log/slog"
	"time"
)

// sensitiveActions change page state on the user's behalf and are logged at
// Warn. Typed text is never logged.
var sensitiveActions = map[string]bool{
	ActionNavigate: true,
	ActionType:     true,
}

type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &auditLogger{logger: logger.With("component", "command-audit")}
}

func (l *auditLogger) logCommand(p Params, took time.Duration, err error) {
	if l == nil {
		return
	}

	attrs := []any{
		"action", p.Action(),
		"took", took.Round(time.Millisecond),
	}
	switch v := p.(type) {
	case *NavigateParams:
		attrs = append(attrs, "url", v.URL)
	case *NewTabParams:
		attrs = append(attrs, "url", v.URL)
	case *ClickParams:
		attrs = append(attrs, "selector", v.Selector)
	case *TypeParams:
		attrs = append(attrs, "selector", v.Selector, "text_len", len(*v.Text))
	case *GetContentParams:
		if v.TabID != nil {
			attrs = append(attrs, "tab", v.TabID.Int())
		}
	case *SwitchTabParams:
		attrs = append(attrs, "tab", v.TabID.Int())
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}

	if sensitiveActions[p.Action()] {
		l.logger.Warn("browser_sensitive_command", attrs...)
	} else {
		l.logger.Info("browser_command", attrs...)
	}
}
