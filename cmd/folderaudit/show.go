package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tripwire/folderaudit/internal/audit"
	"github.com/tripwire/folderaudit/internal/config"
	"github.com/tripwire/folderaudit/internal/source"
)

func newShowCmd() *cobra.Command {
	var (
		logPath string
		kind    string
		user    string
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the records of an audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var want source.Kind
			if kind != "" {
				k, err := source.ParseKind(kind)
				if err != nil {
					return err
				}
				want = k
			}

			records, err := audit.ReadRecords(logPath)
			out := cmd.OutOrStdout()
			shown := 0
			for _, r := range records {
				if want != 0 && r.Kind != want {
					continue
				}
				if user != "" && !strings.EqualFold(r.User, user) {
					continue
				}
				fmt.Fprintln(out, r.Label())
				shown++
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d records\n", shown, len(records))
			return err
		},
	}
	cmd.Flags().StringVar(&logPath, "log", config.DefaultLogPath, "audit log path")
	cmd.Flags().StringVar(&kind, "kind", "", "only show records of this kind (Create, Read, Write, Delete, Rename)")
	cmd.Flags().StringVar(&user, "user", "", "only show records attributed to this user")
	return cmd
}
