package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/agentsh/warden/internal/notify"
	"github.com/agentsh/warden/pkg/emergency"
	"github.com/agentsh/warden/pkg/types"
)

// ClassRemediationPauses is the forensic class for pause and resume actions.
const ClassRemediationPauses = "remediation_pauses"

// PauseRemediation stops new fixes from being submitted. Detection,
// security correlation and containment keep running.
func (e *Engine) PauseRemediation(ctx context.Context, by, reason string) (emergency.PauseState, error) {
	by = actorOrDefault(by)
	st, err := e.pause.Activate(emergency.PauseRequest{Actor: by, Reason: reason})
	if err != nil {
		return st, err
	}
	e.logger.Warn("remediation paused", "by", by, "reason", reason)
	e.recordPause(ctx, "pause", by, st)
	e.pushPause(ctx, notify.Message{
		Kind:     notify.KindPause,
		Title:    "remediation paused",
		Body:     reason,
		Severity: types.SeverityHigh,
		Fields:   map[string]any{"by": by},
	})
	return st, nil
}

// ResumeRemediation lifts a pause and returns the state it ended with.
func (e *Engine) ResumeRemediation(ctx context.Context, by string) (emergency.PauseState, error) {
	by = actorOrDefault(by)
	ended, err := e.pause.Reset()
	if err != nil {
		return ended, err
	}
	e.logger.Info("remediation resumed", "by", by, "skipped", ended.Skipped)
	e.recordPause(ctx, "resume", by, ended)
	e.pushPause(ctx, notify.Message{
		Kind:   notify.KindPause,
		Title:  "remediation resumed",
		Fields: map[string]any{"by": by, "skipped": ended.Skipped},
	})
	return ended, nil
}

// PauseState reports whether remediation is paused.
func (e *Engine) PauseState() emergency.PauseState { return e.pause.Status() }

func (e *Engine) recordPause(ctx context.Context, action, by string, st emergency.PauseState) {
	err := e.forensics.Append(context.WithoutCancel(ctx), ClassRemediationPauses, map[string]any{
		"record_id": uuid.NewString(),
		"action":    action,
		"by":        by,
		"reason":    st.Reason,
		"paused_at": st.PausedAt,
		"skipped":   st.Skipped,
		"at":        e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("failed to persist pause record", "action", action, "error", err)
	}
}

func (e *Engine) pushPause(ctx context.Context, msg notify.Message) {
	msg.Timestamp = e.now().UTC()
	ok := e.notifier.Push(context.WithoutCancel(ctx), msg)
	e.metrics.IncNotification(string(msg.Kind), ok)
}

func actorOrDefault(by string) string {
	if by = strings.TrimSpace(by); by != "" {
		return by
	}
	return "operator"
}
