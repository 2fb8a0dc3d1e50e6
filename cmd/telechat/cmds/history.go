package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/telechat/pkg/bot"
	"github.com/go-go-golems/telechat/pkg/config"
	"github.com/go-go-golems/telechat/pkg/conversation"
)

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and purge stored conversations",
	}

	listCmd, err := NewHistoryListCommand()
	cobra.CheckErr(err)
	showCmd, err := NewHistoryShowCommand()
	cobra.CheckErr(err)
	transcriptCmd, err := NewHistoryTranscriptCommand()
	cobra.CheckErr(err)

	for _, c := range []cmds.Command{listCmd, showCmd, transcriptCmd} {
		cobraCmd, err := buildStoreCommand(c)
		cobra.CheckErr(err)
		cmd.AddCommand(cobraCmd)
	}
	cmd.AddCommand(newHistoryPurgeCommand())
	return cmd
}

func storeForAdmin(ctx context.Context) (*conversation.Store, error) {
	s := loadSettings()
	if s.Store.Backend == config.StoreMemory {
		return nil, errors.New("history commands need a persistent store (--store sqlite or redis)")
	}
	prompts, err := config.LoadPrompts(s.Conversation.PromptsFile)
	if err != nil {
		return nil, err
	}
	return openStore(ctx, s, prompts)
}

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid user id %q", arg)
	}
	return id, nil
}

// lookupConversation reads a stored conversation without creating it.
func lookupConversation(ctx context.Context, store *conversation.Store, userID int64) ([]conversation.Turn, error) {
	turns, ok, err := store.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("no conversation stored for user %d", userID)
	}
	return turns, nil
}

type HistoryListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &HistoryListCommand{}

func NewHistoryListCommand() (*HistoryListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	return &HistoryListCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List stored conversations"),
			cmds.WithLong("List every user id with a stored conversation, its length and an estimated token count."),
			cmds.WithSections(glazedSection),
		),
	}, nil
}

func (c *HistoryListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	store, err := storeForAdmin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return conversationRows(ctx, store, func(row types.Row) error {
		return gp.AddRow(ctx, row)
	})
}

// conversationRows emits one row per stored conversation, ordered by user id. A
// conversation that disappears between listing and reading is skipped.
func conversationRows(ctx context.Context, store *conversation.Store, addRow func(types.Row) error) error {
	ids, err := store.Users(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		turns, ok, err := store.Lookup(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		row := types.NewRow(
			types.MRP("user_id", id),
			types.MRP("turns", len(turns)),
			types.MRP("tokens", bot.EstimateTokens(turns)),
			types.MRP("updated_at", turns[len(turns)-1].CreatedAt.UTC().Format(time.RFC3339)),
		)
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}

type HistoryShowCommand struct {
	*cmds.CommandDescription
}

type HistoryShowSettings struct {
	UserID string `glazed:"user-id"`
}

var _ cmds.GlazeCommand = &HistoryShowCommand{}

func NewHistoryShowCommand() (*HistoryShowCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	return &HistoryShowCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show",
			cmds.WithShort("Print the turns of one stored conversation"),
			cmds.WithArguments(
				fields.New(
					"user-id",
					fields.TypeString,
					fields.WithHelp("Telegram user id"),
					fields.WithRequired(true),
				),
			),
			cmds.WithSections(glazedSection),
		),
	}, nil
}

func (c *HistoryShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistoryShowSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	id, err := parseUserID(s.UserID)
	if err != nil {
		return err
	}
	store, err := storeForAdmin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	turns, err := lookupConversation(ctx, store, id)
	if err != nil {
		return err
	}
	return turnRows(turns, func(row types.Row) error {
		return gp.AddRow(ctx, row)
	})
}

func turnRows(turns []conversation.Turn, addRow func(types.Row) error) error {
	for i, t := range turns {
		row := types.NewRow(
			types.MRP("index", i),
			types.MRP("role", string(t.Role)),
			types.MRP("created_at", t.CreatedAt.UTC().Format(time.RFC3339)),
			types.MRP("content", t.Content),
		)
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}

type HistoryTranscriptCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*HistoryTranscriptCommand)(nil)

func NewHistoryTranscriptCommand() (*HistoryTranscriptCommand, error) {
	return &HistoryTranscriptCommand{
		CommandDescription: cmds.NewCommandDescription(
			"transcript",
			cmds.WithShort("Render one stored conversation as markdown"),
			cmds.WithArguments(
				fields.New(
					"user-id",
					fields.TypeString,
					fields.WithHelp("Telegram user id"),
					fields.WithRequired(true),
				),
			),
		),
	}, nil
}

func (c *HistoryTranscriptCommand) RunIntoWriter(
	ctx context.Context,
	parsedLayers *values.Values,
	w io.Writer,
) error {
	s := &HistoryShowSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	id, err := parseUserID(s.UserID)
	if err != nil {
		return err
	}
	store, err := storeForAdmin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	turns, err := lookupConversation(ctx, store, id)
	if err != nil {
		return err
	}
	text := renderTranscript(turns)
	if isatty.IsTerminal(fdOf(w)) {
		if styled, err := glamour.Render(text, "dark"); err == nil {
			text = styled
		}
	}
	_, err = fmt.Fprint(w, text)
	return err
}

func renderTranscript(turns []conversation.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "### %s (%s)\n\n%s\n\n", t.Role, t.CreatedAt.Format("2006-01-02 15:04"), t.Content)
	}
	return b.String()
}

type fder interface{ Fd() uintptr }

// fdOf returns the descriptor of w, or an invalid one when w is not a file.
func fdOf(w any) uintptr {
	if f, ok := w.(fder); ok {
		return f.Fd()
	}
	return ^uintptr(0)
}

func newHistoryPurgeCommand() *cobra.Command {
	var all, yes bool
	cmd := &cobra.Command{
		Use:     "purge [user-id]",
		Short:   "Delete one stored conversation, or all of them with --all",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass either a user id or --all")
			}
			store, err := storeForAdmin(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			w := cmd.OutOrStdout()
			if all {
				if !yes {
					ids, err := store.Users(cmd.Context())
					if err != nil {
						return err
					}
					if !isatty.IsTerminal(os.Stdin.Fd()) {
						return errors.New("refusing to purge every conversation without --yes")
					}
					ok, err := confirmPurgeAll(os.Stdin, os.Stderr, len(ids))
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
				}
				n, err := store.PurgeAll(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(w, "purged %d conversations\n", n)
				return nil
			}
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			if err := store.Purge(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "purged conversation of %d\n", id)
			return nil
		},
	}
	config.AddFlags(cmd.Flags())
	cmd.Flags().BoolVar(&all, "all", false, "Purge every stored conversation")
	cmd.Flags().BoolVar(&yes, "yes", false, "Do not ask for confirmation")
	return cmd
}

func confirmPurgeAll(r io.Reader, w io.Writer, n int) (bool, error) {
	ui := &input.UI{Writer: w, Reader: r}
	query := fmt.Sprintf("Purge all %d stored conversations? [y/N]", n)
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}
	return answer == "y" || answer == "Y", nil
}
