package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/finrag/internal/pipeline"
	"github.com/kalambet/finrag/internal/protocol"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	fprintStatus(os.Stderr, label, format, args...)
}

func fprintStatus(w io.Writer, label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(w, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printCitations lists the sources of an answer.
func printCitations(w io.Writer, citations []protocol.Citation) {
	if len(citations) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(colorBold, "Sources:"))
	for _, c := range citations {
		label := c.Title
		if c.Verification {
			label += " (verification)"
		}
		line := fmt.Sprintf("  [%s] %s", c.ID, label)
		if c.Score != nil {
			line += fmt.Sprintf(" %.2f", *c.Score)
		}
		fmt.Fprintln(w, line)
	}
}

func printUsage(w io.Writer, u *protocol.TokenUsage) {
	if u == nil {
		return
	}
	fmt.Fprintln(w, colorize(colorDim, fmt.Sprintf("%d prompt + %d completion = %d tokens (%s)",
		u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.Model)))
}

// stagePrinter prints a line each time a stage changes.
type stagePrinter struct {
	w    io.Writer
	seen map[protocol.StageID]protocol.Stage
}

func newStagePrinter(w io.Writer) *stagePrinter {
	return &stagePrinter{w: w, seen: make(map[protocol.StageID]protocol.Stage)}
}

func (p *stagePrinter) observe(s pipeline.Snapshot) {
	for _, st := range s.Stages {
		if p.seen[st.ID] == st {
			continue
		}
		p.seen[st.ID] = st

		name := st.ID.Step()
		switch st.Status {
		case protocol.StageProcessing:
			fmt.Fprintln(p.w, colorize(colorCyan, fmt.Sprintf("→ %-11s %3d%% %s", name, st.Progress, st.Message)))
		case protocol.StageCompleted:
			fmt.Fprintln(p.w, colorize(colorGreen, "✓ "+name))
		case protocol.StageError:
			fmt.Fprintln(p.w, colorize(colorRed, fmt.Sprintf("✗ %s %s", name, st.Message)))
		}
	}
}
