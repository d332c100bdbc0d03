package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rekal-dev/remi/cmd/remi/cli/db"
	"github.com/rekal-dev/remi/cmd/remi/cli/lsa"
	"github.com/rekal-dev/remi/cmd/remi/cli/search"
)

func newEmbedCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Compute LSA embeddings for semantic search",
		Long: `Compute message embeddings for the semantic search signal.

The first run trains an LSA model (TF-IDF + truncated SVD) over the stored
sessions, each session's messages forming one document, and saves it next to
the store. Every message is then folded into the model's space and stored as
one vector. Very large stores train on an even sample of sessions. Later
runs reuse the model and only embed messages that have no vector yet; new
messages are also embedded during sync once a model exists.

--rebuild retrains the model and replaces every vector. Do this after large
syncs so that new vocabulary is represented.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if !e.cfg.Semantic.Enabled {
				fmt.Fprintln(cmd.ErrOrStderr(), "remi: warning: semantic search is disabled in config; vectors will not be used")
			}
			d, err := e.openStore()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return NewSilentError(err)
			}
			defer d.Close()

			ctx := commandContext(cmd)
			w := cmd.ErrOrStderr()

			m, err := lsa.Load(e.modelPath())
			if err != nil && !rebuild {
				return fmt.Errorf("load embedding model: %w (run 'remi embed --rebuild')", err)
			}
			if rebuild || m == nil {
				n, err := trainEmbeddings(ctx, d, e, w)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "stored %d embeddings\n", n)
				return nil
			}

			n, err := embedMissing(ctx, d, m)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "embedded %d new message(s) with %s (%d dimensions)\n", n, m.Model(), m.Dim)
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Retrain the model and replace all vectors")
	return cmd
}

// trainEmbeddings builds a new model over session documents, saves it and
// replaces all stored vectors with per-message embeddings. It returns the
// number of vectors stored.
func trainEmbeddings(ctx context.Context, d *sql.DB, e *env, w io.Writer) (int, error) {
	msgs, err := db.AllMessageText(ctx, d)
	if err != nil {
		return 0, err
	}
	docs := sessionDocuments(msgs)

	fmt.Fprintf(w, "building LSA model over %d sessions (%d messages)...\n", len(docs), len(msgs))
	m, err := lsa.Build(docs, e.cfg.Semantic.Dimension)
	if err != nil {
		return 0, fmt.Errorf("build lsa model: %w", err)
	}
	if m == nil {
		fmt.Fprintln(w, "remi: warning: too few sessions with shared terms to build a model")
		return 0, nil
	}
	if err := m.Save(e.modelPath()); err != nil {
		return 0, err
	}

	if err := db.DeleteEmbeddings(ctx, d); err != nil {
		return 0, err
	}
	n, err := embedMissing(ctx, d, m)
	if err != nil {
		return 0, err
	}
	e.log.Info("embeddings rebuilt", "model", m.Model(), "dim", m.Dim, "documents", len(m.DocIDs), "vectors", n)
	return n, nil
}

// sessionDocuments joins each session's message text into one training
// document keyed by session id.
func sessionDocuments(msgs []db.MessageText) map[string]string {
	parts := make(map[string][]string)
	for _, m := range msgs {
		parts[m.SessionID] = append(parts[m.SessionID], m.Content)
	}
	docs := make(map[string]string, len(parts))
	for id, p := range parts {
		docs[id] = strings.Join(p, "\n")
	}
	return docs
}

// embedMissing embeds every message that has no vector from emb's model.
func embedMissing(ctx context.Context, d *sql.DB, emb search.Embedder) (int, error) {
	have, err := db.LoadEmbeddings(ctx, d, emb.Model())
	if err != nil {
		return 0, err
	}
	done := make(map[string]bool, len(have))
	for _, v := range have {
		done[v.MessageID] = true
	}
	msgs, err := db.AllMessageText(ctx, d)
	if err != nil {
		return 0, err
	}
	var vecs []db.Vector
	for _, m := range msgs {
		if done[m.ID] {
			continue
		}
		if v := emb.Embed(m.Content); len(v) > 0 {
			vecs = append(vecs, db.Vector{MessageID: m.ID, SessionID: m.SessionID, Values: v})
		}
	}
	if len(vecs) == 0 {
		return 0, nil
	}
	if err := db.StoreEmbeddings(ctx, d, emb.Model(), vecs); err != nil {
		return 0, err
	}
	return len(vecs), nil
}
