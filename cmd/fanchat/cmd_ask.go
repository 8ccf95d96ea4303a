package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"fanchat/internal/session"
	"fanchat/internal/transcript"
)

var askCmd = &cobra.Command{
	Use:   "ask <message...>",
	Short: "Ask one question and stream the reply to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	client, err := newChatClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer attachUsage(cfg, client)()

	sc := cfg.SessionConfig()
	sc.Greeting = ""
	ctrl := session.NewController(transcript.NewStore(), chatClient(client), sc)
	return ask(ctx, ctrl, joinArgs(args), cmd.OutOrStdout())
}

// ask sends text and writes the reply to out as it streams. A failed reply
// prints the fallback line and returns the error. Interrupting the reply keeps
// what was printed and is not an error.
func ask(ctx context.Context, ctrl *session.Controller, text string, out io.Writer) error {
	wrote := false
	unsubscribe := ctrl.Store().Subscribe(func(ev transcript.Event) {
		if ev.Message.Role != transcript.RoleModel {
			return
		}
		switch ev.Kind {
		case transcript.EventChunk:
			if ev.Delta != "" {
				fmt.Fprint(out, ev.Delta)
				wrote = true
			}
		case transcript.EventError:
			if wrote {
				fmt.Fprintln(out)
			}
			fmt.Fprint(out, ev.Message.Text)
			wrote = true
		}
	})
	defer unsubscribe()

	err := ctrl.Send(ctx, text)
	if wrote {
		fmt.Fprintln(out)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
