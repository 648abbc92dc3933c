// Command loginproxy-top is a live dashboard for a running loginproxy
// daemon, polling its status endpoint and rendering session and
// destination health the way `doveadm who`/`doveadm proxy list` would for
// a real Dovecot deployment.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/thushan/loginproxy/internal/adapter/statusapi"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func main() {
	addr := flag.String("addr", "http://localhost:9192/status", "loginproxy status endpoint to poll")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	m := newModel(*addr, *interval)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "loginproxy-top: %v\n", err)
		os.Exit(1)
	}
}

type tickMsg time.Time

type statusMsg struct {
	doc *statusapi.Document
	err error
}

type model struct {
	addr     string
	interval time.Duration
	client   *http.Client

	table    table.Model
	pending  int
	detached int
	disconn  int
	lastErr  error
	updated  time.Time
}

func newModel(addr string, interval time.Duration) model {
	columns := []table.Column{
		{Title: "Destination", Width: 24},
		{Title: "Status", Width: 10},
		{Title: "Waiting", Width: 8},
		{Title: "Proxying", Width: 9},
		{Title: "Last Success", Width: 20},
		{Title: "Last Failure", Width: 20},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(12),
	)

	return model{
		addr:     addr,
		interval: interval,
		client:   &http.Client{Timeout: interval},
		table:    t,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchStatus(m.addr, m.client), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(fetchStatus(m.addr, m.client), tickCmd(m.interval))
	case statusMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.updated = time.Now()
		m.pending = msg.doc.Pending
		m.detached = msg.doc.Detached
		m.disconn = msg.doc.Disconnecting
		m.table.SetRows(rowsFor(msg.doc.Destinations))
	}
	return m, nil
}

func (m model) View() string {
	header := titleStyle.Render("loginproxy-top") + "  " + helpStyle.Render("q to quit")

	statusLine := fmt.Sprintf("pending=%d detached=%d disconnecting=%d", m.pending, m.detached, m.disconn)
	status := okStyle.Render(statusLine)
	if m.lastErr != nil {
		status = warnStyle.Render(statusLine)
	}
	if !m.updated.IsZero() {
		status += helpStyle.Render(fmt.Sprintf("  (updated %s)", m.updated.Format(time.TimeOnly)))
	}

	body := m.table.View()
	if m.lastErr != nil {
		body = errStyle.Render(fmt.Sprintf("polling %s failed: %v", m.addr, m.lastErr))
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, status, "", body) + "\n"
}

func rowsFor(destinations []statusapi.DestinationState) []table.Row {
	rows := make([]table.Row, 0, len(destinations))
	for _, d := range destinations {
		rows = append(rows, table.Row{
			d.Address,
			d.Status,
			fmt.Sprintf("%d", d.Waiting),
			fmt.Sprintf("%d", d.Proxying),
			formatTime(d.LastSuccess),
			formatTime(d.LastFailure),
		})
	}
	return rows
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.TimeOnly)
}

func fetchStatus(addr string, client *http.Client) tea.Cmd {
	return func() tea.Msg {
		resp, err := client.Get(addr)
		if err != nil {
			return statusMsg{err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusMsg{err: fmt.Errorf("unexpected status %s", resp.Status)}
		}

		var doc statusapi.Document
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return statusMsg{err: fmt.Errorf("decoding status: %w", err)}
		}
		return statusMsg{doc: &doc}
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
