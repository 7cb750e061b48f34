package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/aeolun/socialsync/pkg/messaging"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a direct message and wait for the server to accept it",
	ArgsUsage: "RECEIVER TEXT...",
	Before:    prepare(false),
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "conversation",
			Usage: "Existing conversation id",
		},
	},
	Action: cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a receiver and a message")
	}
	target := messaging.Target{
		ConversationID: ctx.String("conversation"),
		ReceiverID:     ctx.Args().First(),
	}
	text := strings.Join(ctx.Args().Tail(), " ")

	a, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	outcome, err := a.Send(ctx.Context, target, text)
	if err != nil {
		return fmt.Errorf("message %s: %w", outcome, err)
	}
	fmt.Println("Message sent")
	return nil
}
