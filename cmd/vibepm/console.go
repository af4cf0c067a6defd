package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/vibepm/internal/config"
)

const (
	colorSky   = "#38BDF8"
	colorAmber = "#F59E0B"
	colorGray  = "#9CA3AF"
	colorRed   = "#EF4444"
)

var (
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAmber)).Render("you")
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorSky)).Render("architect")
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
	summaryBox     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(colorSky)).
			Padding(0, 1)
)

// console prints the conversation. Writes are serialized because the
// orchestrator hooks and the completion callback run on different goroutines.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) user(text string) {
	c.println(userLabel + "  " + text)
}

func (c *console) assistant(text string) {
	c.println(assistantLabel + "  " + text)
}

func (c *console) notice(format string, args ...any) {
	c.println(noticeStyle.Render(fmt.Sprintf(format, args...)))
}

func (c *console) error(err error) {
	c.println(errorStyle.Render("error: " + err.Error()))
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// summary renders the startup box.
func (c *console) summary(cfg *config.Config, mode, session string) {
	llmName := cfg.LLM.Name
	if cfg.LLM.Model != "" {
		llmName += " / " + cfg.LLM.Model
	}
	for _, fb := range cfg.LLM.Fallback {
		llmName += ", " + fb.Name
	}
	storeName := "memory"
	if cfg.Store.PostgresDSN != "" {
		storeName = "postgres"
	}

	rows := [][2]string{
		{"Session", session},
		{"Mode", mode},
		{"LLM", llmName},
		{"Store", storeName},
		{"Listen addr", cfg.Server.ListenAddr},
	}
	if mode == "voice" {
		rows = append(rows, [2]string{"Voice", cfg.Voice.Provider + " / " + cfg.Voice.VoiceID})
	}

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render("vibepm"))
	for _, r := range rows {
		fmt.Fprintf(&b, "\n%-12s %s", r[0], r[1])
	}
	c.println(summaryBox.Render(b.String()))
}

// announcer forwards completion messages to whichever front end is running.
type announcer struct {
	mu sync.Mutex
	fn func(string)
}

func (a *announcer) set(fn func(string)) {
	a.mu.Lock()
	a.fn = fn
	a.mu.Unlock()
}

func (a *announcer) announce(msg string) {
	a.mu.Lock()
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}
