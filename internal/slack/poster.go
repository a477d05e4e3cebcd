package slack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/session"
)

// Poster sends session debriefs to a Slack channel.
type Poster struct {
	api     *slackapi.Client
	channel string
	logger  *slog.Logger
}

// NewPoster builds a poster for the bot token. Extra options are passed to the
// Slack client (tests point it at a local server with OptionAPIURL).
func NewPoster(token, channel string, logger *slog.Logger, opts ...slackapi.Option) *Poster {
	opts = append([]slackapi.Option{slackapi.OptionHTTPClient(&http.Client{Timeout: 10 * time.Second})}, opts...)
	return &Poster{
		api:     slackapi.New(token, opts...),
		channel: channel,
		logger:  logger,
	}
}

// PostDebrief posts the summary and returns the message timestamp.
func (p *Poster) PostDebrief(ctx context.Context, s session.Summary) (string, error) {
	text := formatDebrief(s)

	_, ts, err := p.api.PostMessageContext(ctx, p.channel,
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionBlocks(
			slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil),
			slackapi.NewContextBlock("", slackapi.NewTextBlockObject(slackapi.MarkdownType, progressionLine(s), false, false)),
		),
	)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}

	p.logger.Info("posted debrief to slack", "ts", ts, "session_id", s.SessionID, "agent_id", s.AgentID)
	return ts, nil
}

func formatDebrief(s session.Summary) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Session debrief:* %s (%s, %s)\n", s.SessionID, s.SessionKind, s.Difficulty)
	fmt.Fprintf(&sb, "*Agent:* %s\n", s.AgentID)
	fmt.Fprintf(&sb, "*Grade:* %s (%s)\n", s.Grade, s.GradeLabel)
	fmt.Fprintf(&sb, "*Trust:* %d → %d | peak %d | low %d | avg %d\n\n",
		s.StartScore, s.EndScore, s.PeakScore, s.LowestScore, s.AverageScore)

	if s.TotalDeceptions == 0 {
		sb.WriteString("_No deceptions deployed this session._")
		return sb.String()
	}

	fmt.Fprintf(&sb, "*Deceptions caught: %d/%d*\n", s.DeceptionsCaught, s.TotalDeceptions)
	for _, d := range s.DeceptionDetails {
		tactic, desc := "unclassified", ""
		if d.Type != nil {
			tactic, desc = string(*d.Type), deception.Describe(*d.Type)
		}
		verdict := "missed"
		if d.Caught {
			verdict = "caught"
		}
		fmt.Fprintf(&sb, "%d. %s, %s", d.Exchange, tactic, verdict)
		if desc != "" {
			fmt.Fprintf(&sb, " _%s_", desc)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func progressionLine(s session.Summary) string {
	if len(s.Progression) == 0 {
		return "No exchanges scored."
	}
	parts := make([]string, 0, len(s.Progression)+1)
	parts = append(parts, fmt.Sprint(s.StartScore))
	for _, pt := range s.Progression {
		parts = append(parts, fmt.Sprint(pt.Score))
	}
	return "Trust: " + strings.Join(parts, " → ")
}
