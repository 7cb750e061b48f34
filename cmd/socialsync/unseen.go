package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var unseenCommand = &cli.Command{
	Name:   "unseen",
	Usage:  "Print the unseen notification count",
	Before: prepare(false),
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "mark-seen",
			Usage: "Mark every notification seen afterwards",
		},
	},
	Action: cmdUnseen,
}

func cmdUnseen(ctx *cli.Context) error {
	a, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Counter().Seed(ctx.Context); err != nil {
		return fmt.Errorf("failed to fetch unseen count: %w", err)
	}
	fmt.Println(a.Counter().Value())

	if ctx.Bool("mark-seen") {
		if err := a.Counter().MarkAllSeen(ctx.Context); err != nil {
			return fmt.Errorf("failed to mark notifications seen: %w", err)
		}
	}
	return nil
}
