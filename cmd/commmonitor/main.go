// Command commmonitor is a read-only operator TUI that polls commd's admin
// socket (spec.md §4.9's admin surface) and renders the session table,
// dirty-list depth, and ERQ/address-cache occupancy.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type snapshot struct {
	RequestID    string `json:"request_id"`
	SessionIDs   []int  `json:"session_ids"`
	DirtyCount   int    `json:"dirty_count"`
	ERQFree      int    `json:"erq_free_slots"`
	ERQCapacity  int    `json:"erq_capacity"`
	AddrCacheLen int    `json:"address_cache_len"`
	AddrCacheCap int    `json:"address_cache_cap"`
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type pollMsg struct {
	snap snapshot
	err  error
}

type model struct {
	socketPath string
	width      int
	height     int
	last       snapshot
	lastErr    error
}

func pollOnce(socketPath string) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchSnapshot(socketPath)
		return pollMsg{snap: snap, err: err}
	}
}

func fetchSnapshot(socketPath string) (snapshot, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return snapshot{}, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("\n")); err != nil {
		return snapshot{}, err
	}
	var snap snapshot
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&snap); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func tickEvery(socketPath string, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		snap, err := fetchSnapshot(socketPath)
		return pollMsg{snap: snap, err: err}
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollOnce(m.socketPath), tickEvery(m.socketPath, time.Second))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case pollMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.last = msg.snap
			m.lastErr = nil
		}
		return m, tickEvery(m.socketPath, time.Second)
	}
	return m, nil
}

func (m model) View() string {
	title := headerStyle.Render(fmt.Sprintf(" commmonitor — %s ", m.socketPath))

	if m.lastErr != nil {
		return lipgloss.JoinVertical(lipgloss.Top, title, "", errStyle.Render("admin socket unreachable: "+m.lastErr.Error()), "", labelStyle.Render("press q to quit"))
	}

	lines := []string{
		title,
		"",
		fmt.Sprintf("%s %s", labelStyle.Render("request:"), valueStyle.Render(m.last.RequestID)),
		fmt.Sprintf("%s %s", labelStyle.Render("sessions:"), valueStyle.Render(fmt.Sprintf("%v", m.last.SessionIDs))),
		fmt.Sprintf("%s %s", labelStyle.Render("dirty list:"), valueStyle.Render(fmt.Sprintf("%d", m.last.DirtyCount))),
		fmt.Sprintf("%s %s", labelStyle.Render("ERQ handles:"), valueStyle.Render(fmt.Sprintf("%d/%d free", m.last.ERQFree, m.last.ERQCapacity))),
		fmt.Sprintf("%s %s", labelStyle.Render("address cache:"), valueStyle.Render(fmt.Sprintf("%d/%d", m.last.AddrCacheLen, m.last.AddrCacheCap))),
		"",
		labelStyle.Render("press q to quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Top, lines...)
}

func main() {
	socketPath := flag.String("socket", "/tmp/commd.admin.sock", "path to commd's admin unix socket")
	flag.Parse()

	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width, height = 80, 25
	}

	m := model{socketPath: *socketPath, width: width, height: height}
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "commmonitor: %v\n", err)
		os.Exit(1)
	}
}
