package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/telechat/pkg/bot"
)

// Texts holds every fixed reply the runner sends. Zero fields fall back to DefaultTexts.
type Texts struct {
	Start        string
	StartOwner   string
	Help         string
	Cleared      string
	ClearedOwner string
	Failure      string
	RateLimited  string
	Unknown      string
	PartsSummary string // fmt verb %d receives the number of parts
	NotText      string
	Empty        string
}

func DefaultTexts() Texts {
	return Texts{
		Start:        "Hello! Send me a question and I will answer it. /help lists the commands.",
		StartOwner:   "Welcome back. Owner mode is active for your conversation.",
		Help:         "*Commands*\n/start - introduction\n/help - this help\n/clear - forget our conversation\n/stats - usage statistics",
		Cleared:      "Conversation cleared. You can start again.",
		ClearedOwner: "Conversation cleared. Ready when you are.",
		Failure:      "Sorry, something went wrong while answering. Please try again.",
		RateLimited:  "You are sending messages too quickly. Please wait a moment.",
		Unknown:      "Unknown command. /help lists the commands.",
		PartsSummary: "Sent the answer in %d messages.",
		NotText:      "I can only answer text messages.",
		Empty:        "The model returned an empty answer. Please try again.",
	}
}

func (t Texts) withDefaults() Texts {
	d := DefaultTexts()
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&t.Start, d.Start},
		{&t.StartOwner, d.StartOwner},
		{&t.Help, d.Help},
		{&t.Cleared, d.Cleared},
		{&t.ClearedOwner, d.ClearedOwner},
		{&t.Failure, d.Failure},
		{&t.RateLimited, d.RateLimited},
		{&t.Unknown, d.Unknown},
		{&t.PartsSummary, d.PartsSummary},
		{&t.NotText, d.NotText},
		{&t.Empty, d.Empty},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.def
		}
	}
	return t
}

func formatStats(u bot.UserStats, seen bool, tot bot.Totals, now time.Time, owner bool, users, contextTokens, contextTurns int) string {
	var b strings.Builder
	b.WriteString("*Your statistics*\n")
	if seen {
		fmt.Fprintf(&b, "Messages: %d\n", u.Messages)
		fmt.Fprintf(&b, "Continuations: %d\n", u.Continuations)
		fmt.Fprintf(&b, "Tokens used: %d\n", u.Tokens)
	} else {
		b.WriteString("Messages: 0\n")
	}
	fmt.Fprintf(&b, "Context: %d turns, about %d tokens\n", contextTurns, contextTokens)

	b.WriteString("\n*Bot*\n")
	fmt.Fprintf(&b, "Users: %d\n", tot.Users)
	fmt.Fprintf(&b, "Messages: %d\n", tot.Messages)
	fmt.Fprintf(&b, "Uptime: %d min\n", int(tot.Uptime(now).Minutes()))
	if owner {
		fmt.Fprintf(&b, "Failures: %d\n", tot.Failures)
		fmt.Fprintf(&b, "Continuations: %d\n", tot.Continuations)
		fmt.Fprintf(&b, "Stored conversations: %d\n", users)
		fmt.Fprintf(&b, "Started: %s\n", tot.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}
