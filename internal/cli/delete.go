package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <document>...",
		Short: "Remove everything stored for documents",
		Long: `Delete the checkpoint and every update record of each named document.
Deleting a document that does not exist is not an error.

Example:
  qstore delete --storage ./docs.db notebook.ipynb`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, cmd, args)
		},
	}
	return cmd
}

func runDelete(opts *RootOptions, cmd *cobra.Command, keys []string) error {
	st, logger, err := openStore(opts, cmd, nil)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)
	out := formatter(opts, cmd)

	for _, key := range keys {
		if err := st.DeleteDocument(cmd.Context(), key); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to delete %s", key), err)
		}
		out.VerboseLog("deleted %s", key)
	}
	if opts.Format == "json" {
		return out.Success(map[string][]string{"deleted": keys})
	}
	return out.Success(fmt.Sprintf("deleted %d document(s)", len(keys)))
}
