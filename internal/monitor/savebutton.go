package monitor

import (
	"context"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/notify"
	"github.com/pagepilot/pagepilot/internal/selectors"
)

const (
	saveButtonID    = "pagepilot-save"
	saveBindingName = "pagepilotManualSave"

	saveButtonMarkup = `<button id="` + saveButtonID + `" class="pagepilot-save-btn" type="button" ` +
		`onclick="window.` + saveBindingName + ` &amp;&amp; window.` + saveBindingName + `('')">Save result</button>`
)

// injectSaveButton places the manual save affordance into the first
// available container. The container often mounts after the result does, so
// absence is retried on a fixed delay until monitoring ends.
func (m *Monitor) injectSaveButton(ctx context.Context) {
	for attempt := 0; attempt < saveInjectMaxAttempts; attempt++ {
		if !m.Monitoring() {
			return
		}
		if _, err := m.page.Query(ctx, "#"+saveButtonID); err == nil {
			return // already placed, possibly by a previous run on this page
		}

		container, err := m.resolver.Resolve(ctx, selectors.RoleSaveContainer)
		if err == nil {
			if _, err := m.page.InsertHTML(ctx, container.Selector(), saveButtonMarkup); err == nil {
				m.logger.Debug("Manual save button placed",
					zap.String("container", container.Selector()))
				return
			}
			m.logger.Debug("Manual save button injection failed",
				zap.String("container", container.Selector()))
		}

		if err := m.clock.Sleep(ctx, m.saveRetryDelay); err != nil {
			return
		}
	}
	m.logger.Warn("Gave up placing manual save button",
		zap.Int("attempts", saveInjectMaxAttempts))
}

// onManualSave handles a click on the injected button. It extracts links
// synchronously and submits whatever is on the page right now, bypassing the
// snapshot dedup: the operator asked, the operator gets a report.
func (m *Monitor) onManualSave(string) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	snap := m.Extract(ctx)
	if snap.ShareLink == "" {
		if err := m.notifier.Show(ctx, notify.Error, "No share link is available yet."); err != nil {
			m.logger.Debug("Could not show manual save notification", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	taskID, pubID := m.taskID, m.pubID
	m.last = snap
	m.mu.Unlock()

	m.submit(schemas.AutomationResult{
		TaskID:        taskID,
		PublicationID: pubID,
		ResultURL:     snap.ShareLink,
		DownloadURL:   snap.DownloadLink,
		Status:        schemas.ResultSuccess,
	})
	m.markButtonSaved(ctx)
}

func (m *Monitor) markButtonSaved(ctx context.Context) {
	btn, err := m.page.Query(ctx, "#"+saveButtonID)
	if err != nil {
		return
	}
	_ = btn.SetText(ctx, "Saved")
	_ = btn.SetAttr(ctx, "disabled", "true")
}
