// Package ui renders the non-interactive terminal output of the rtc2
// commands: command headers, result boxes and confirmation prompts.
//
// Components render to strings with lipgloss and are written by a Printer.
// Widths come from the terminal via golang.org/x/term, clamped to
// [MinTerminalWidth, MaxContentWidth]; output that is not a terminal gets
// MinTerminalWidth.
//
// Example:
//
//	p := ui.NewPrinter(os.Stdout)
//	p.PrintHeader("Signaling relay", "rtc2-signal serve",
//		ui.Param{Key: "Listen", Value: ":9000"})
//	p.PrintSuccess("Config written", ui.Param{Key: "Path", Value: path})
package ui
