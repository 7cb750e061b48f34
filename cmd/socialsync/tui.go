package main

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"github.com/aeolun/socialsync/pkg/tui"
)

var tuiCommand = &cli.Command{
	Name:   "tui",
	Usage:  "Open the interactive terminal client",
	Before: prepare(true),
	Action: cmdTUI,
}

func cmdTUI(ctx *cli.Context) error {
	a, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	model := tui.NewModel(ctx.Context, a)
	defer model.Close()

	p := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithReportFocus(),
		tea.WithContext(ctx.Context),
	)
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
