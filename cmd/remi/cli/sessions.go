package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/config"
	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, inspect and export stored sessions",
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsShowCmd(), newSessionsExportCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		agent  string
		title  string
		since  string
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(format, formatTable, formatJSON, formatPlain)
			if err != nil {
				return err
			}
			f, err := buildFilter(agent, title, "", "", since)
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			d, err := e.openStore()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return NewSilentError(err)
			}
			defer d.Close()

			rows, err := db.ListSessions(commandContext(cmd), d, f, limit)
			if err != nil {
				return err
			}
			return printSessionList(cmd.OutOrStdout(), rows, format)
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Only sessions of this agent")
	cmd.Flags().StringVar(&title, "title", "", "Title contains (case-insensitive)")
	cmd.Flags().StringVar(&since, "since", "", "Active since: RFC 3339 time, date or age (7d, 12h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Max sessions (0 = no limit)")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table|json|plain")
	return cmd
}

type sessionListEntry struct {
	ID        string      `json:"id"`
	Agent     model.Agent `json:"agent"`
	Title     string      `json:"title"`
	SourceRef string      `json:"source_ref"`
	Messages  int         `json:"messages"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func printSessionList(w io.Writer, rows []db.SessionRow, format string) error {
	switch format {
	case formatJSON:
		out := make([]sessionListEntry, 0, len(rows))
		for _, r := range rows {
			out = append(out, sessionListEntry{
				ID: r.ID, Agent: r.Agent, Title: r.Title, SourceRef: r.SourceRef,
				Messages: r.MessageCount, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
			})
		}
		return writeJSON(w, out)
	case formatPlain:
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Agent, r.MessageCount, r.UpdatedAt.Format(time.RFC3339), r.Title)
		}
		return nil
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}
	st := newStyles(w)
	t := newTable(w, st, "ID", "AGENT", "MSGS", "UPDATED", "TITLE")
	for _, r := range rows {
		t.row(
			st.id.Render(shortID(r.ID)),
			st.agent.Render(string(r.Agent)),
			st.count.Render(strconv.Itoa(r.MessageCount)),
			st.date.Render(formatTime(r.UpdatedAt)),
			st.title.Render(oneLine(r.Title, 60)),
		)
	}
	return t.flush()
}

func newSessionsShowCmd() *cobra.Command {
	var (
		format string
		role   string
		offset int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's conversation",
		Long: `Show a session's messages, tool events and referenced files.

The id may be any unique prefix of a session id. --role, --offset and
--limit page through long sessions.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(format, formatJSON, formatPlain)
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			d, err := e.openStore()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return NewSilentError(err)
			}
			defer d.Close()

			out, err := loadSessionDetail(commandContext(cmd), d, args[0], db.PageOptions{Role: role, Offset: offset, Limit: limit})
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return printSessionText(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&format, "format", formatJSON, "Output format: json|plain")
	cmd.Flags().StringVar(&role, "role", "", "Only messages with this role")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many messages")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max messages (0 = all)")
	return cmd
}

// sessionDetail is the JSON structure for a session drill-down.
type sessionDetail struct {
	Session       model.Session    `json:"session"`
	TotalMessages int              `json:"total_messages"`
	Messages      []model.Message  `json:"messages"`
	Events        []model.Event    `json:"events,omitempty"`
	Artifacts     []model.Artifact `json:"artifacts,omitempty"`
}

func loadSessionDetail(ctx context.Context, d *sql.DB, id string, page db.PageOptions) (*sessionDetail, error) {
	s, err := db.GetSession(ctx, d, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, usageErrorf(fmt.Errorf("session %q not found", id))
	}
	if err != nil {
		return nil, err
	}
	msgs, total, err := db.SessionMessagesPage(ctx, d, s.ID, page)
	if err != nil {
		return nil, err
	}
	events, err := db.SessionEvents(ctx, d, s.ID)
	if err != nil {
		return nil, err
	}
	arts, err := db.SessionArtifacts(ctx, d, s.ID)
	if err != nil {
		return nil, err
	}
	return &sessionDetail{Session: *s, TotalMessages: total, Messages: msgs, Events: events, Artifacts: arts}, nil
}

func printSessionText(w io.Writer, s *sessionDetail) error {
	st := newStyles(w)
	fmt.Fprintln(w, st.title.Render(sessionTitle(s.Session)))
	fmt.Fprintf(w, "%s  %s  %s\n", st.id.Render(s.Session.ID), st.agent.Render(string(s.Session.Agent)), st.date.Render(formatTime(s.Session.UpdatedAt)))
	fmt.Fprintf(w, "%d messages, %d tool events, %d files\n", s.TotalMessages, len(s.Events), len(s.Artifacts))
	for _, m := range s.Messages {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", st.header.Render(m.Role), st.date.Render(formatTime(m.TS)))
		fmt.Fprintln(w, m.Content)
	}
	return nil
}

func newSessionsExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session as Markdown or JSON",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(format, formatMD, formatJSON)
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			d, err := e.openStore()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return NewSilentError(err)
			}
			defer d.Close()

			out, err := loadSessionDetail(commandContext(cmd), d, args[0], db.PageOptions{})
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), renderMarkdown(out))
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", formatMD, "Output format: md|json")
	return cmd
}

func renderMarkdown(s *sessionDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sessionTitle(s.Session))
	fmt.Fprintf(&b, "- **Session:** `%s`\n", s.Session.ID)
	fmt.Fprintf(&b, "- **Agent:** %s\n", s.Session.Agent)
	fmt.Fprintf(&b, "- **Started:** %s\n", s.Session.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Updated:** %s\n", s.Session.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Messages:** %d\n", s.TotalMessages)
	if len(s.Artifacts) > 0 {
		b.WriteString("- **Files:**\n")
		for _, a := range s.Artifacts {
			fmt.Fprintf(&b, "  - `%s`\n", a.Path)
		}
	}
	for _, m := range s.Messages {
		fmt.Fprintf(&b, "\n## %s\n\n", roleHeading(m.Role))
		fmt.Fprintf(&b, "_%s_\n\n", m.TS.UTC().Format(time.RFC3339))
		b.WriteString(strings.TrimRight(m.Content, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func roleHeading(role string) string {
	if role == "" {
		return "Message"
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// sessionTitle falls back to the source's own session key.
func sessionTitle(s model.Session) string {
	if s.Title != "" {
		return s.Title
	}
	return s.SourceRef
}

// buildFilter validates filter flags shared by listing and search.
func buildFilter(agent, title, session, content, since string) (db.Filter, error) {
	f := db.Filter{Title: title, SessionID: session, Content: content}
	if agent != "" {
		a, err := model.ParseAgent(agent)
		if err != nil {
			return f, usageErrorf(err)
		}
		f.Agent = a
	}
	if since != "" {
		t, err := parseSince(since, time.Now())
		if err != nil {
			return f, usageErrorf(err)
		}
		f.Since = t
	}
	return f, nil
}

// parseSince accepts an RFC 3339 time, a YYYY-MM-DD date or an age such as
// "7d" or "12h" counted back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if age, err := config.ParseAge(s); err == nil {
		return now.Add(-age).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q", s)
}
