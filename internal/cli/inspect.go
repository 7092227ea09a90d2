package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/qstore/internal/store"
)

// DocumentList is the inspect output without a key.
type DocumentList struct {
	Documents []store.DocumentInfo `json:"documents"`
}

func (l DocumentList) String() string {
	if len(l.Documents) == 0 {
		return "no documents"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %10s %10s %8s %10s\n", "DOCUMENT", "CHECKPOINT", "LAST SEQ", "RECORDS", "BYTES")
	for _, d := range l.Documents {
		fmt.Fprintf(&b, "%-32s %10d %10d %8d %10d\n", d.DocKey, d.CheckpointSeq, d.LastSeq, d.RecordCount, d.StoredBytes)
	}
	return strings.TrimRight(b.String(), "\n")
}

// UpdateSummary describes one stored update.
type UpdateSummary struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"`
}

// CheckpointSummary describes a document's checkpoint.
type CheckpointSummary struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"`
}

// DocumentReport is the inspect output for one key.
type DocumentReport struct {
	DocKey     string             `json:"doc_key"`
	Checkpoint *CheckpointSummary `json:"checkpoint,omitempty"`
	Updates    []UpdateSummary    `json:"updates"`
	Corrupt    []int64            `json:"corrupt_seqs,omitempty"`
}

func (r DocumentReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "document %s\n", r.DocKey)
	if r.Checkpoint != nil {
		fmt.Fprintf(&b, "  checkpoint  seq=%d size=%d at %s\n",
			r.Checkpoint.Seq, r.Checkpoint.Size, r.Checkpoint.Timestamp.Format(time.RFC3339))
	}
	for _, u := range r.Updates {
		fmt.Fprintf(&b, "  update      seq=%d size=%d at %s\n", u.Seq, u.Size, u.Timestamp.Format(time.RFC3339))
	}
	for _, seq := range r.Corrupt {
		fmt.Fprintf(&b, "  corrupt     seq=%d\n", seq)
	}
	if r.Checkpoint == nil && len(r.Updates) == 0 && len(r.Corrupt) == 0 {
		b.WriteString("  (empty)\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [document]",
		Short: "List stored documents or show one document's history",
		Long: `Without arguments, list every stored document with its checkpoint and
record counts. With a document key, show its checkpoint and each stored
update. Corrupt entries are listed, not fatal.

Example:
  qstore inspect --storage ./docs.db
  qstore inspect --storage ./docs.db notebook.ipynb --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd, args)
		},
	}
	return cmd
}

func runInspect(opts *RootOptions, cmd *cobra.Command, args []string) error {
	st, logger, err := openStore(opts, cmd, nil)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)
	out := formatter(opts, cmd)
	ctx := cmd.Context()

	if len(args) == 0 {
		docs, err := st.Documents(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list documents", err)
		}
		return out.Success(DocumentList{Documents: docs})
	}

	h, err := st.Inspect(ctx, args[0])
	corrupt := store.CorruptSeqs(err)
	if err != nil && len(corrupt) == 0 {
		return WrapExitError(ExitFailure, "failed to read document", err)
	}

	report := DocumentReport{DocKey: args[0], Updates: []UpdateSummary{}, Corrupt: corrupt}
	if h.Checkpoint != nil {
		report.Checkpoint = &CheckpointSummary{
			Seq:       h.Checkpoint.Seq,
			Timestamp: h.Checkpoint.Timestamp.UTC(),
			Size:      len(h.Checkpoint.State),
		}
	}
	for _, e := range h.Updates {
		report.Updates = append(report.Updates, UpdateSummary{Seq: e.Seq, Timestamp: e.Timestamp.UTC(), Size: len(e.Payload)})
	}
	out.VerboseLog("read %d updates from %s", len(h.Updates), st.Config().StoragePath)
	return out.Success(report)
}
