package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jresende/nuxeo-drive/internal/directedit"
	"github.com/jresende/nuxeo-drive/internal/remote"
	"github.com/jresende/nuxeo-drive/internal/workspace"
)

func init() {
	rootCmd.AddCommand(newEditCmd())
}

// edit checks a single document out for editing without running the full
// sync daemon. It blocks until the editor closes the document or the process
// is interrupted; pending changes are uploaded either way.
func newEditCmd() *cobra.Command {
	var noLock bool

	cmd := &cobra.Command{
		Use:   "edit [SERVER_URL] [DOC_REF]",
		Short: "Edit a single remote document locally",
		Args:  cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			account, err := pickAccount(cfg, "")
			if err != nil {
				return err
			}
			ws, err := workspace.New(account.LocalFolder)
			if err != nil {
				return err
			}

			bindings := make([]directedit.Binding, 0, len(cfg.Accounts))
			for _, a := range cfg.Accounts {
				bindings = append(bindings, directedit.Binding{
					Account: a,
					Remote:  remote.New(a, cfg.DeviceID),
				})
			}

			edits := directedit.New(ws.EditCacheDir, bindings, directedit.WithLocking(!noLock))
			edits.Start()
			defer edits.Shutdown(cmd.Context())

			session, err := edits.Edit(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			fmt.Printf("Editing '%s' at '%s'\n", cyan(session.Name), green(session.LocalPath))
			fmt.Println("Close the document (or press Ctrl-C) to upload and finish.")
			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&noLock, "no-lock", false, "Skip taking the remote document lock")
	return cmd
}
