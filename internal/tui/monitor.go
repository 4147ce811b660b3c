// Package tui is the terminal monitor for a running broker. It tails the
// /events stream and polls /healthz.
package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/formbroker/internal/events"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	maxEventLog    = 50
	healthInterval = 5 * time.Second
	reconnectDelay = 2 * time.Second
)

// Form status as seen from the event stream.
const (
	formAdded    = "added"
	formReady    = "ready"
	formUpdated  = "updated"
	formReleased = "released"
	formError    = "error"
)

// FormRow is the monitor's view of one form.
type FormRow struct {
	ID       int64
	Bundle   string
	Name     string
	Temp     bool
	Status   string
	Visible  bool
	LastSeen time.Time
}

// eventPayload is the union of the fields broker events carry.
type eventPayload struct {
	FormID   int64   `json:"form_id"`
	Bundle   string  `json:"bundle"`
	FormName string  `json:"form_name"`
	Temp     bool    `json:"temp"`
	Forms    []int64 `json:"forms"`
	Visible  bool    `json:"visible"`
	Deleted  []int64 `json:"deleted"`
	Code     string  `json:"code"`
	Flow     string  `json:"flow"`
	Status   string  `json:"status"`
}

// Model is the bubbletea model behind `formbroker monitor`.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	forms     map[int64]*FormRow
	eventLog  []events.Event
	hubEvents chan events.Event
	health    healthMsg
	connected bool
	lastError string

	formTable table.Model
}

// NewMonitor builds a monitor for the broker at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Form", Width: 20},
			{Title: "Bundle", Width: 28},
			{Title: "Name", Width: 12},
			{Title: "Kind", Width: 6},
			{Title: "Seen", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		forms:     make(map[int64]*FormRow),
		hubEvents: make(chan events.Event, 100),
		formTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.formTable.SetWidth(m.width - 6)

	case eventMsg:
		m.connected = true
		m.applyEvent(events.Event(msg))
		m.formTable.SetRows(m.rows())
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		if msg != nil {
			m.lastError = msg.Error()
		}
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
	}

	m.formTable, cmd = m.formTable.Update(msg)
	return m, cmd
}

// applyEvent folds one broker event into the form table and event log.
func (m *Model) applyEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	var p eventPayload
	_ = json.Unmarshal(e.Data, &p)

	switch e.Type {
	case events.FormAdded, events.PublishStaged:
		row := m.row(p.FormID)
		row.Bundle = p.Bundle
		row.Name = p.FormName
		row.Temp = p.Temp
		if row.Status == "" {
			row.Status = formAdded
		}
		row.LastSeen = e.At
	case events.FormAcquired:
		m.touch(p.FormID, formReady, e.At)
	case events.FormUpdated:
		m.touch(p.FormID, formUpdated, e.At)
	case events.FormReleased:
		m.touch(p.FormID, formReleased, e.At)
	case events.FormError:
		m.touch(p.FormID, formError, e.At)
	case events.FormVisible:
		for _, id := range p.Forms {
			if row, ok := m.forms[id]; ok {
				row.Visible = p.Visible
				row.LastSeen = e.At
			}
		}
	case events.FormDeleted:
		delete(m.forms, p.FormID)
	case events.HostDied:
		for _, id := range p.Deleted {
			delete(m.forms, id)
		}
	}
}

func (m *Model) row(id int64) *FormRow {
	row, ok := m.forms[id]
	if !ok {
		row = &FormRow{ID: id}
		m.forms[id] = row
	}
	return row
}

func (m *Model) touch(id int64, status string, at time.Time) {
	if id == 0 {
		return
	}
	row := m.row(id)
	row.Status = status
	row.LastSeen = at
}

// Forms returns the tracked forms ordered by id.
func (m *Model) Forms() []FormRow {
	out := make([]FormRow, 0, len(m.forms))
	for _, row := range m.forms {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Model) rows() []table.Row {
	var rows []table.Row
	for _, f := range m.Forms() {
		kind := "card"
		if f.Temp {
			kind = "temp"
		}
		seen := "-"
		if !f.LastSeen.IsZero() {
			seen = f.LastSeen.Format("15:04:05")
		}
		rows = append(rows, table.Row{
			statusSymbol(f),
			strconv.FormatInt(f.ID, 10),
			f.Bundle,
			f.Name,
			kind,
			seen,
		})
	}
	return rows
}

func statusSymbol(f FormRow) string {
	switch f.Status {
	case formReady, formUpdated:
		if f.Visible {
			return statusOK.Render("●")
		}
		return statusOK.Render("○")
	case formAdded:
		return statusPending.Render("◉")
	case formError:
		return statusFailed.Render("∅")
	default:
		return statusIdle.Render("○")
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	formsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Forms"),
			m.formTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := " [q] Quit • [↑/↓] Scroll Forms"
	if m.lastError != "" {
		help += " • " + statusFailed.Render(m.lastError)
	}

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			formsView,
			eventsView,
			dimStyle.Render(help),
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	switch {
	case !m.connected:
		status = statusPending.Render("CONNECTING")
	case m.health.Status != "ok" && m.health.Status != "":
		status = statusFailed.Render("DEGRADED")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Forms: %d", m.health.Forms),
		fmt.Sprintf("Hosts: %d", m.health.Hosts),
		fmt.Sprintf("Conns: %d", m.health.Connections),
		fmt.Sprintf("Queue: %d", m.health.QueueDepth),
	}
	cells := make([]string, len(items))
	for i, item := range items {
		cells[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(item)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		raw := string(e.Data)
		if len(raw) > 80 {
			raw = raw[:80] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s | %-18s | %s", e.At.Format("15:04:05"), e.Type, raw))
	}
	if len(lines) == 0 {
		return dimStyle.Render("  Waiting for events...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
