package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sitepulse/internal/data/history"
)

var (
	titleStyle = lipgloss.NewStyle().
			MarginLeft(2).
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true).
			Render

	docStyle = lipgloss.NewStyle().Margin(1, 2)

	regressionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	improvementStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#10B981")).
				Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B")).
			Italic(true)
)

type item struct {
	title, desc string
}

func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title + i.desc }

type domainStatus struct {
	domain     string
	latest     history.ScoreRecord
	previous   history.ScoreRecord
	hasHistory bool
	hasPrev    bool
	session    history.CrawlSession
	hasSession bool
}

type updateMsg struct {
	domains      []domainStatus
	recordCount  int
	sessionCount int
}

type model struct {
	list         list.Model
	domains      []domainStatus
	lastUpdate   time.Time
	recordCount  int
	sessionCount int
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v-4)
	case updateMsg:
		m.domains = msg.domains
		m.recordCount = msg.recordCount
		m.sessionCount = msg.sessionCount
		m.lastUpdate = time.Now()

		items := []list.Item{}
		for _, d := range m.domains {
			items = append(items, item{
				title: d.domain,
				desc:  describeDomain(d),
			})
		}
		m.list.SetItems(items)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func describeDomain(d domainStatus) string {
	if !d.hasHistory {
		return "no audits recorded"
	}
	desc := fmt.Sprintf("%s  %s", d.latest.Timestamp.Format("Jan 02 15:04"), formatScores(d.latest.Scores))
	if d.hasPrev {
		up, down := 0, 0
		for cat, v := range d.latest.Scores {
			if prev, ok := d.previous.Scores[cat]; ok {
				switch {
				case v > prev:
					up++
				case v < prev:
					down++
				}
			}
		}
		switch {
		case down > 0:
			desc += "  " + regressionStyle.Render(fmt.Sprintf("▼ %d regressed", down))
		case up > 0:
			desc += "  " + improvementStyle.Render(fmt.Sprintf("▲ %d improved", up))
		}
	}
	if d.hasSession {
		desc += fmt.Sprintf("  crawl:%s", d.session.Status)
	}
	return desc
}

func (m model) View() string {
	status := statusStyle.Render(fmt.Sprintf("Last update: %v | %d score records | %d sessions",
		m.lastUpdate.Format("15:04:05"), m.recordCount, m.sessionCount))

	regressed := 0
	for _, d := range m.domains {
		if d.hasHistory && d.hasPrev {
			for cat, v := range d.latest.Scores {
				if prev, ok := d.previous.Scores[cat]; ok && v < prev {
					regressed++
					break
				}
			}
		}
	}
	var summary string
	if regressed == 0 {
		summary = improvementStyle.Render("✅ No Regressions")
	} else {
		summary = regressionStyle.Render(fmt.Sprintf("⚠️  %d Domains Regressed", regressed))
	}

	header := fmt.Sprintf("%s\n%s | %s\n", titleStyle("SitePulse Audit Monitor"), status, summary)
	return docStyle.Render(header + "\n" + m.list.View())
}

func initialModel() model {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Tracked Domains"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)

	return model{
		list:       l,
		lastUpdate: time.Now(),
	}
}

func runDashboard(ctx context.Context, app *App) error {
	if err := app.StartBackground(ctx); err != nil {
		return err
	}
	if err := app.WatchConfig(ctx, *configPath); err != nil {
		return err
	}

	m := initialModel()
	p := tea.NewProgram(m, tea.WithAltScreen())

	refresh := app.Config.Dashboard.Refresh
	if refresh <= 0 {
		refresh = 2 * time.Second
	}

	go func() {
		p.Send(collectDashboard(ctx, app))
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Send(collectDashboard(ctx, app))
			}
		}
	}()

	_, err := p.Run()
	return err
}

func collectDashboard(ctx context.Context, app *App) updateMsg {
	msg := updateMsg{}
	for _, domain := range app.TrackedDomains() {
		d := domainStatus{domain: domain}

		records, err := app.History.HistoryFor(ctx, domain, time.Time{}, time.Time{})
		if err == nil && len(records) > 0 {
			d.hasHistory = true
			d.latest = records[len(records)-1]
			if len(records) > 1 {
				d.hasPrev = true
				d.previous = records[len(records)-2]
			}
		}
		msg.recordCount += len(records)

		sessions, err := app.History.SessionsFor(ctx, domain)
		if err == nil && len(sessions) > 0 {
			d.hasSession = true
			d.session = sessions[len(sessions)-1]
		}
		msg.sessionCount += len(sessions)

		msg.domains = append(msg.domains, d)
	}
	return msg
}
