package review

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// IsTerminal reports whether fd is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// TerminalPrompter shows the patch in a scrollable full-screen view
// and waits for a y/n answer.
type TerminalPrompter struct {
	NoColor bool
}

func (p *TerminalPrompter) Confirm(ctx context.Context, summary string, patch []byte) (bool, error) {
	m := newConfirmModel(summary, patch, p.NoColor)
	prog := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	final, err := prog.Run()
	if err != nil {
		return false, fmt.Errorf("confirm ui: %w", err)
	}
	cm, ok := final.(confirmModel)
	if !ok {
		return false, fmt.Errorf("confirm ui: unexpected model %T", final)
	}
	return cm.accepted, nil
}

const promptPatchLimit = 64 * 1024

// LinePrompter prints a truncated patch and reads a single y/n line.
// Used when stdin is not a terminal but is still readable, e.g. piped
// approvals in scripts. EOF counts as no.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p *LinePrompter) Confirm(ctx context.Context, summary string, patch []byte) (bool, error) {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	shown := patch
	truncated := false
	if len(shown) > promptPatchLimit {
		shown = shown[:promptPatchLimit]
		truncated = true
	}
	fmt.Fprintf(out, "%s\n\n%s", summary, shown)
	if truncated {
		fmt.Fprintf(out, "\n... [patch truncated at %d bytes]\n", promptPatchLimit)
	}
	fmt.Fprint(out, "\nApply this patch? [y/N] ")

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && line == "" {
			ch <- answer{err: err}
			return
		}
		s := strings.ToLower(strings.TrimSpace(line))
		ch <- answer{ok: s == "y" || s == "yes"}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err == io.EOF {
			return false, nil
		}
		return a.ok, a.err
	}
}

// confirmStyles holds the lipgloss styles for the confirm view.
type confirmStyles struct {
	Header   lipgloss.Style
	Added    lipgloss.Style
	Removed  lipgloss.Style
	Hunk     lipgloss.Style
	Footer   lipgloss.Style
	Question lipgloss.Style
}

func newConfirmStyles(noColor bool) confirmStyles {
	if noColor {
		return confirmStyles{
			Header:   lipgloss.NewStyle().Bold(true),
			Added:    lipgloss.NewStyle(),
			Removed:  lipgloss.NewStyle(),
			Hunk:     lipgloss.NewStyle(),
			Footer:   lipgloss.NewStyle(),
			Question: lipgloss.NewStyle().Bold(true),
		}
	}
	return confirmStyles{
		Header:   lipgloss.NewStyle().Bold(true),
		Added:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // green
		Removed:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // red
		Hunk:     lipgloss.NewStyle().Foreground(lipgloss.Color("6")), // cyan
		Footer:   lipgloss.NewStyle().Faint(true),
		Question: lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true), // yellow
	}
}

// confirmModel is the bubbletea model for patch confirmation.
type confirmModel struct {
	summary  string
	content  string
	styles   confirmStyles
	viewport viewport.Model
	ready    bool
	accepted bool
}

func newConfirmModel(summary string, patch []byte, noColor bool) confirmModel {
	s := newConfirmStyles(noColor)
	return confirmModel{
		summary: summary,
		content: colorizePatch(string(patch), s),
		styles:  s,
	}
}

// colorizePatch styles diff lines for the viewport.
func colorizePatch(patch string, s confirmStyles) string {
	lines := strings.Split(patch, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "diff "):
			lines[i] = s.Header.Render(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = s.Hunk.Render(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = s.Added.Render(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = s.Removed.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

func (m confirmModel) Init() tea.Cmd {
	return nil
}

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.accepted = true
			return m, tea.Quit
		case "n", "N", "q", "esc", "ctrl+c":
			m.accepted = false
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 2
		vpHeight := msg.Height - headerHeight - footerHeight
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.viewport.SetContent(m.content)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m confirmModel) View() string {
	if !m.ready {
		return "loading patch..."
	}
	header := m.styles.Header.Render(m.summary)
	footer := m.styles.Footer.Render("↑/↓ scroll") + "  " +
		m.styles.Question.Render("apply? [y/n]")
	return header + "\n\n" + m.viewport.View() + "\n" + footer
}
