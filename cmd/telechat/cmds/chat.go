package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/telechat/pkg/bot"
	"github.com/go-go-golems/telechat/pkg/config"
)

func NewChatCommand() *cobra.Command {
	var (
		userID int64
		owner  bool
	)
	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Chat with the bot locally, without Telegram",
		Long:    "Reads messages from stdin and answers them through the same handler the bot uses.\n/clear resets the conversation, /quit leaves.",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings()
			if err := s.Validate(false); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer a.Close()

			repl := &chatREPL{
				handler: a.handler,
				userID:  userID,
				owner:   owner,
				maxLen:  s.Conversation.MaxSegmentLength,
				render:  isatty.IsTerminal(os.Stdout.Fd()),
				in:      os.Stdin,
				out:     os.Stdout,
			}
			return repl.run(cmd.Context())
		},
	}
	config.AddFlags(cmd.Flags())
	cmd.Flags().Int64Var(&userID, "user-id", 1, "User id of the local conversation")
	cmd.Flags().BoolVar(&owner, "owner", false, "Chat as the owner")
	return cmd
}

type chatREPL struct {
	handler *bot.Handler
	userID  int64
	owner   bool
	maxLen  int
	render  bool
	in      io.Reader
	out     io.Writer
}

func (r *chatREPL) run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		_, _ = fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := r.handler.Clear(ctx, r.userID, r.owner); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(r.out, "conversation cleared")
			continue
		}

		resp, err := r.handler.HandleUserMessage(ctx, r.userID, line, r.owner)
		if err != nil {
			_, _ = fmt.Fprintf(r.out, "error: %v\n", err)
			continue
		}
		r.print(resp)
	}
}

func (r *chatREPL) print(resp *bot.Response) {
	parts := resp.Segments(r.maxLen)
	for i, part := range parts {
		if len(parts) > 1 {
			_, _ = fmt.Fprintf(r.out, "--- part %d/%d ---\n", i+1, len(parts))
		}
		text := part
		if r.render {
			if styled, err := glamour.Render(part, "dark"); err == nil {
				text = styled
			}
		}
		_, _ = fmt.Fprintln(r.out, text)
	}
	log.Debug().
		Int("continuations", resp.Continuations).
		Str("model", resp.Model).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("answer printed")
}
