package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/search"
)

// modeFilter is reported when no query text was given and sessions are only
// filtered.
const modeFilter search.Mode = "filter"

// RecallFilters holds the search parameters for the search command.
type RecallFilters struct {
	Query   string
	Agent   string
	Title   string
	Session string // session id prefix
	Content string // substring of any message
	Since   string
	Limit   int
}

type searchOutput struct {
	Query   string            `json:"query"`
	Mode    search.Mode       `json:"mode"`
	Filters map[string]string `json:"filters,omitempty"`
	Weights search.Weights    `json:"weights"`
	Total   int               `json:"total"`
	Results []search.Result   `json:"results"`
}

func newSearchCmd() *cobra.Command {
	var (
		filters RecallFilters
		format  string
	)

	cmd := &cobra.Command{
		Use:     "search [query...]",
		Aliases: []string{"recall"},
		Short:   "Find sessions by keyword",
		Long: `Rank sessions by how well their messages match the query.

Each session's best matching message is found with a BM25 full-text index.
Sessions are then ranked by reciprocal rank fusion of three signals:
  lexical   BM25 rank of the best message
  recency   how recently the session was active
  semantic  similarity of message embeddings (after 'remi embed')

Queries are plain words; operators and quotes are treated as text. When no
word matches the index, the query is matched as a substring instead, so
partial identifiers like "invalid" or "+=" still find results.

With no query, the filters alone list matching sessions.`,
		Example: `  remi search cache invalidation
  remi search "retry backoff" --agent claude --since 14d
  remi search --content "panic:" --format table`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters.Query = strings.Join(args, " ")
			format, err := parseFormat(format, formatJSON, formatTable, formatPlain)
			if err != nil {
				return err
			}
			f, err := buildFilter(filters.Agent, filters.Title, filters.Session, filters.Content, filters.Since)
			if err != nil {
				return err
			}
			if strings.TrimSpace(filters.Query) == "" && f.IsZero() {
				return cmd.Help()
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

			limit := filters.Limit
			if limit <= 0 {
				limit = e.cfg.Search.Limit
			}
			ctx := commandContext(cmd)

			out := searchOutput{Query: filters.Query, Filters: filterMap(filters), Weights: e.cfg.Weights()}
			if strings.TrimSpace(filters.Query) == "" {
				rows, err := db.ListSessions(ctx, d, f, limit)
				if err != nil {
					return err
				}
				out.Mode = modeFilter
				out.Results = sessionResults(rows)
			} else {
				eng, err := e.searchEngine(d)
				if err != nil {
					return err
				}
				resp, err := eng.Search(ctx, search.Query{Text: filters.Query, Filter: f, Limit: limit})
				if err != nil {
					return err
				}
				out.Mode = resp.Mode
				out.Results = resp.Results
			}
			if out.Results == nil {
				out.Results = []search.Result{}
			}
			out.Total = len(out.Results)
			return printSearch(cmd.OutOrStdout(), out, format)
		},
	}

	cmd.Flags().StringVar(&filters.Agent, "agent", "", "Only sessions of this agent")
	cmd.Flags().StringVar(&filters.Title, "title", "", "Title contains (case-insensitive)")
	cmd.Flags().StringVar(&filters.Session, "session", "", "Session id prefix")
	cmd.Flags().StringVar(&filters.Content, "content", "", "Some message contains (case-insensitive)")
	cmd.Flags().StringVar(&filters.Since, "since", "", "Active since: RFC 3339 time, date or age (7d, 12h)")
	cmd.Flags().IntVarP(&filters.Limit, "limit", "n", 0, "Max results (0 = config default)")
	cmd.Flags().StringVar(&format, "format", formatJSON, "Output format: json|table|plain")
	return cmd
}

func filterMap(f RecallFilters) map[string]string {
	m := map[string]string{}
	for k, v := range map[string]string{
		"agent": f.Agent, "title": f.Title, "session": f.Session, "content": f.Content, "since": f.Since,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

func sessionResults(rows []db.SessionRow) []search.Result {
	out := make([]search.Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, search.Result{
			SessionID:    r.ID,
			Agent:        r.Agent,
			Title:        r.Title,
			SourceRef:    r.SourceRef,
			LastActivity: r.UpdatedAt,
		})
	}
	return out
}

func printSearch(w io.Writer, out searchOutput, format string) error {
	switch format {
	case formatJSON:
		return writeJSON(w, out)
	case formatPlain:
		for _, r := range out.Results {
			fmt.Fprintf(w, "%s\t%.6f\t%s\t%s\n", r.SessionID, r.Score, r.Agent, oneLine(r.Snippet, 200))
		}
		return nil
	}

	if len(out.Results) == 0 {
		fmt.Fprintln(w, "No matches.")
		return nil
	}
	st := newStyles(w)
	t := newTable(w, st, "#", "SESSION", "AGENT", "ACTIVE", "TITLE", "SNIPPET")
	for i, r := range out.Results {
		title := r.Title
		if title == "" {
			title = r.SourceRef
		}
		t.row(
			st.count.Render(strconv.Itoa(i+1)),
			st.id.Render(shortID(r.SessionID)),
			st.agent.Render(string(r.Agent)),
			st.date.Render(formatTime(r.LastActivity)),
			st.title.Render(oneLine(title, 40)),
			oneLine(r.Snippet, 80),
		)
	}
	if err := t.flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d result(s), mode %s, %s\n", out.Total, out.Mode, out.Weights)
	return nil
}
