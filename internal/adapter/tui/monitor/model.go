package monitor

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"bleproxy/internal/adapter/tui/theme"
	"bleproxy/internal/domain"
)

var _ tea.Model = (*Model)(nil)

const (
	tickInterval = 500 * time.Millisecond
	maxDrops     = 5
)

// Deps are the monitor's data sources.
type Deps struct {
	Bus       domain.EventBus
	Stats     func() domain.RelayStats
	Listen    string // bound address shown in the header
	SessionID string
}

type device struct {
	address   string
	name      string
	rssi      string
	txPower   string
	companies string
	services  int
	count     int
	lastSeen  time.Duration
}

type drop struct {
	peer   string
	reason domain.ErrorCode
	detail string
}

// Model is the root Bubble Tea model.
type Model struct {
	deps    Deps
	table   table.Model
	stats   domain.RelayStats
	devices map[string]*device
	drops   []drop

	width  int
	height int

	programSend func(tea.Msg)
	unsubscribe func()
}

// New creates the monitor model.
func New(deps Deps) *Model {
	columns := []table.Column{
		{Title: "Address", Width: 17},
		{Title: "Name", Width: 18},
		{Title: "RSSI", Width: 5},
		{Title: "Tx", Width: 4},
		{Title: "Companies", Width: 14},
		{Title: "Svc", Width: 3},
		{Title: "Seen", Width: 6},
		{Title: "Last (s)", Width: 9},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(theme.ColorTabActFg).
		Background(theme.ColorTabActBg).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		deps:    deps,
		table:   t,
		devices: make(map[string]*device),
	}
}

// SetProgramSender sets the function used to inject messages from the EventBus.
// Must be called before Run().
func (m *Model) SetProgramSender(send func(tea.Msg)) {
	m.programSend = send
}

// Init subscribes to the EventBus and starts the refresh tick.
func (m *Model) Init() tea.Cmd {
	if m.deps.Bus != nil && m.programSend != nil {
		m.unsubscribe = m.deps.Bus.SubscribeAll(func(_ context.Context, event domain.Event) {
			m.programSend(EventBusMsg{Event: event})
		})
	}
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(theme.Clamp(m.height-12, 3, 40))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.unsubscribe != nil {
				m.unsubscribe()
			}
			return m, tea.Quit
		case "c":
			m.devices = make(map[string]*device)
			m.drops = nil
			m.refreshRows()
			return m, nil
		}

	case EventBusMsg:
		m.handleEvent(msg.Event)
		return m, nil

	case TickMsg:
		if m.deps.Stats != nil {
			m.stats = m.deps.Stats()
		}
		m.refreshRows()
		return m, tickCmd()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventAdvertisementReceived:
		if ev.Advertisement != nil {
			m.observe(*ev.Advertisement)
		}
	case domain.EventAdvertisementDropped:
		m.drops = append(m.drops, drop{peer: ev.Peer, reason: ev.Reason, detail: ev.Detail})
		if len(m.drops) > maxDrops {
			m.drops = m.drops[len(m.drops)-maxDrops:]
		}
	case domain.EventStatsReported:
		if ev.Stats != nil {
			m.stats = *ev.Stats
		}
	}
}

func (m *Model) observe(adv domain.Advertisement) {
	d, ok := m.devices[adv.Address]
	if !ok {
		d = &device{address: adv.Address, rssi: "-", txPower: "-"}
		m.devices[adv.Address] = d
	}
	d.count++
	d.lastSeen = adv.ObservedAt
	if adv.Name != nil {
		d.name = *adv.Name
	}
	if adv.RSSI != nil {
		d.rssi = strconv.Itoa(*adv.RSSI)
	}
	if adv.TxPower != nil {
		d.txPower = strconv.Itoa(*adv.TxPower)
	}
	if len(adv.ManufacturerData) > 0 {
		ids := make([]string, 0, len(adv.ManufacturerData))
		for id := range adv.ManufacturerData {
			ids = append(ids, fmt.Sprintf("0x%04X", id))
		}
		slices.Sort(ids)
		d.companies = strings.Join(ids, ",")
	}
	d.services = max(d.services, len(adv.ServiceUUIDs)+len(adv.ServiceData))
}

// refreshRows rebuilds the table, most recently seen device first.
func (m *Model) refreshRows() {
	devs := make([]*device, 0, len(m.devices))
	for _, d := range m.devices {
		devs = append(devs, d)
	}
	slices.SortFunc(devs, func(a, b *device) int {
		if a.lastSeen != b.lastSeen {
			if a.lastSeen > b.lastSeen {
				return -1
			}
			return 1
		}
		return strings.Compare(a.address, b.address)
	})

	rows := make([]table.Row, len(devs))
	for i, d := range devs {
		rows[i] = table.Row{
			d.address,
			d.name,
			d.rssi,
			d.txPower,
			d.companies,
			strconv.Itoa(d.services),
			strconv.Itoa(d.count),
			fmt.Sprintf("%.1f", d.lastSeen.Seconds()),
		}
	}
	m.table.SetRows(rows)
}

// View renders the monitor.
func (m *Model) View() string {
	header := theme.Title.Render(fmt.Sprintf("bleproxy monitor - %s", m.deps.Listen))
	if m.deps.SessionID != "" {
		header += " " + theme.Dim.Render(m.deps.SessionID)
	}

	cards := lipgloss.JoinHorizontal(lipgloss.Top,
		statCard("received", m.stats.Received),
		statCard("decoded", m.stats.Decoded),
		statCard("malformed", m.stats.DroppedMalformed),
		statCard("no address", m.stats.DroppedMissing),
		statCard("sink failed", m.stats.DispatchFailed),
		statCard("devices", uint64(len(m.devices))),
	)

	var drops []string
	for _, d := range m.drops {
		drops = append(drops, fmt.Sprintf("%s %s %s",
			theme.TextWarning.Render(string(d.reason)),
			theme.TextMuted.Render(d.peer),
			d.detail,
		))
	}
	if len(drops) == 0 {
		drops = append(drops, theme.TextMuted.Render("no drops"))
	}

	footer := theme.StatusBar.Render(
		theme.StatusKey.Render("j/k") + " scroll  " +
			theme.StatusKey.Render("c") + " clear  " +
			theme.StatusKey.Render("q") + " quit",
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		cards,
		theme.StatCard.Render(m.table.View()),
		strings.Join(drops, "\n"),
		footer,
	)
}

func statCard(label string, v uint64) string {
	return theme.StatCard.Render(
		theme.StatValue.Render(strconv.FormatUint(v, 10)) + "\n" + theme.StatLabel.Render(label),
	)
}
