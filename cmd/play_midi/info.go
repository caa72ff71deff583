package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cbegin/midiplay-go"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle = lipgloss.NewStyle().Width(12).Align(lipgloss.Left).Foreground(lipgloss.Color("#666666"))
	valueStyle = lipgloss.NewStyle()
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	faultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	stateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true)
)

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
}

func renderInfo(info midiplay.Info) string {
	rows := []string{
		titleStyle.Render(info.Name),
		row("format", fmt.Sprintf("%d, %d tracks", info.Format, info.Tracks)),
		row("ppq", fmt.Sprint(info.PPQ)),
		row("tempo", fmt.Sprintf("%.1f bpm", info.InitialTempo)),
		row("signature", fmt.Sprintf("%d/%d", info.Numerator, info.Denominator)),
		row("duration", formatMs(info.DurationMs)),
		row("notes", formatMs(info.FirstNoteMs)+" - "+formatMs(info.LastNoteMs)),
	}
	if len(info.TrackNames) > 0 {
		rows = append(rows, row("tracks", strings.Join(info.TrackNames, ", ")))
	}
	if info.Copyright != "" {
		rows = append(rows, row("copyright", info.Copyright))
	}
	if len(info.Lyrics) > 0 {
		lyrics := info.Lyrics
		if len(lyrics) > 8 {
			lyrics = append(lyrics[:8:8], "…")
		}
		rows = append(rows, row("lyrics", strings.Join(lyrics, " ")))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func statusLine(st midiplay.Status, out midiplay.OutputStats, msg string) string {
	line := fmt.Sprintf("%s %s %s/%s x%.2f %+d",
		stateStyle.Render(st.State.String()),
		st.Name,
		formatMs(st.PositionMs),
		formatMs(st.DurationMs),
		st.Speed,
		st.Transpose)
	if out.Attached {
		line += fmt.Sprintf(" audio %s (+%dms)", formatMs(float64(out.Position.Milliseconds())), out.Latency().Milliseconds())
	}
	return line + "  " + msg
}

func formatMs(ms float64) string {
	s := int(ms / 1000)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
