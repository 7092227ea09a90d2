package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CompactReport is the compact command output.
type CompactReport struct {
	DocKey    string `json:"doc_key"`
	HighWater int64  `json:"high_water"`
	Removed   int64  `json:"removed"`
	Skipped   bool   `json:"skipped"`
}

func (r CompactReport) String() string {
	if r.Skipped {
		return fmt.Sprintf("%s: nothing to compact", r.DocKey)
	}
	return fmt.Sprintf("%s: checkpoint at seq %d, %d records folded", r.DocKey, r.HighWater, r.Removed)
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact <document>...",
		Short: "Fold documents' update records into a checkpoint now",
		Long: `Compact each named document immediately, regardless of the configured
checkpoint interval.

Example:
  qstore compact --storage ./docs.db notebook.ipynb`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(rootOpts, cmd, args)
		},
	}
	return cmd
}

func runCompact(opts *RootOptions, cmd *cobra.Command, keys []string) error {
	st, logger, err := openStore(opts, cmd, nil)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)
	out := formatter(opts, cmd)

	reports := make([]CompactReport, 0, len(keys))
	for _, key := range keys {
		res, err := st.Compact(cmd.Context(), key)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to compact %s", key), err)
		}
		reports = append(reports, CompactReport{
			DocKey:    key,
			HighWater: res.HighWater,
			Removed:   res.Removed,
			Skipped:   res.Skipped,
		})
	}

	if opts.Format == "json" {
		return out.Success(reports)
	}
	for _, r := range reports {
		if err := out.Success(r); err != nil {
			return err
		}
	}
	return nil
}
