package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/e7canasta/timelapse-delay/internal/config"
	"github.com/e7canasta/timelapse-delay/internal/graph"
)

var (
	bannerTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	bannerKeyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	bannerHintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	bannerPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// renderBanner summarizes the run for the operator.
func renderBanner(cfg *config.Config, accel graph.Acceleration, startIndex int, keyboard bool) string {
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "(none, caption stays \"" + cfg.Overlay.Placeholder + "\")"
	}

	rows := [][2]string{
		{"backend", cfg.Backend},
		{"device", cfg.Device},
		{"topology", accel.String()},
		{"delay", cfg.Delay().String()},
		{"ticker", logFile},
		{"stills", fmt.Sprintf("%s from index %d", cfg.OutputDir, startIndex)},
	}

	var b strings.Builder
	b.WriteString(bannerTitleStyle.Render("timelapse"))
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(bannerKeyStyle.Render(fmt.Sprintf("%-9s", r[0])))
		b.WriteString(r[1])
	}
	if keyboard {
		b.WriteString("\n")
		b.WriteString(bannerHintStyle.Render("press q to stop"))
	}
	return bannerPanelStyle.Render(b.String())
}

func printBanner(w io.Writer, banner string, raw bool) {
	if raw {
		banner = strings.ReplaceAll(banner, "\n", "\r\n")
		fmt.Fprint(w, banner, "\r\n")
		return
	}
	fmt.Fprintln(w, banner)
}
