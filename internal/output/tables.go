package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/keyrelay/keyrelay/internal/core/store"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/pool"
)

// Slots renders a credential pool. Cooldowns are shown relative to now.
func Slots(format Format, slots []pool.SlotStatus, now time.Time) (string, error) {
	if format == FormatJSON {
		return JSON(slots)
	}

	t := newTable(table.Row{"Slot", "Secret", "State", "Last Used", "Cooldown", "Last Error"})
	for _, s := range slots {
		lastUsed := "-"
		if s.LastUsedAt != nil {
			lastUsed = s.LastUsedAt.UTC().Format(time.RFC3339)
		}
		cooldown := "-"
		if s.CooldownUntil != nil {
			cooldown = s.CooldownUntil.Sub(now).Round(time.Second).String()
		}
		t.AppendRow(table.Row{s.ID, orDash(s.Secret), string(s.State), lastUsed, cooldown, orDash(truncate(s.LastError, 60))})
	}

	ready := 0
	for _, s := range slots {
		if s.State == pool.StateReady {
			ready++
		}
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d ready", ready, len(slots)), "", "", ""})
	return render(format, t), nil
}

// Probe renders one credential probe.
func Probe(format Format, r gateway.ProbeResult) (string, error) {
	if format == FormatJSON {
		return JSON(r)
	}
	t := newTable(table.Row{"Slot", "Model", "Status", "HTTP", "Latency", "Detail"})
	httpStatus := "-"
	if r.StatusCode != 0 {
		httpStatus = fmt.Sprint(r.StatusCode)
	}
	t.AppendRow(table.Row{r.SlotID, r.Model, r.Status, httpStatus, r.Latency.Round(time.Millisecond).String(), orDash(truncate(r.Detail, 80))})
	return render(format, t), nil
}

// Generation renders a generation result. Tables show metadata above the
// raw output text.
func Generation(format Format, r *gateway.GenerationResult) (string, error) {
	if format == FormatJSON {
		return JSON(struct {
			OK bool `json:"ok"`
			*gateway.GenerationResult
		}{OK: true, GenerationResult: r})
	}
	t := newTable(table.Row{"ID", "Model", "Slot", "Attempts", "Finish"})
	t.AppendRow(table.Row{r.ID, r.Model, r.SlotID, r.Attempts, orDash(r.FinishReason)})
	return render(format, t) + "\n\n" + r.Output, nil
}

type quotaRow struct {
	Key          string    `json:"key"`
	RequestCount int       `json:"request_count"`
	WindowStart  time.Time `json:"window_start"`
}

// Quotas renders stored quota windows.
func Quotas(format Format, entries []store.RateLimitEntry) (string, error) {
	rows := make([]quotaRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, quotaRow{Key: e.Key, RequestCount: e.State.RequestCount, WindowStart: e.State.WindowStart})
	}
	if format == FormatJSON {
		return JSON(rows)
	}
	t := newTable(table.Row{"Key", "Requests", "Window Start"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Key, r.RequestCount, r.WindowStart.UTC().Format(time.RFC3339)})
	}
	if len(rows) == 0 {
		t.AppendRow(table.Row{"(none)", "", ""})
	}
	return render(format, t), nil
}
