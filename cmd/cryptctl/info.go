package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-crypt/pkg/audit"
	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/envelope"
	"github.com/dd0wney/cluso-crypt/pkg/keystore"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show build and cipher information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Version:\t%s\n", version)
			fmt.Fprintf(w, "AES implementation:\t%s\n", crypt.Implementation())
			fmt.Fprintf(w, "Key algorithm:\t%s\n", keystore.Algorithm)
			fmt.Fprintf(w, "Key size:\t%d bytes\n", crypt.KeySize)
			fmt.Fprintf(w, "Key version width:\t%d bytes\n", keyversion.Width)
			fmt.Fprintf(w, "Record format:\t%s v%d (%d-byte header)\n",
				envelope.Magic, envelope.FormatVersion, envelope.HeaderSize)
			return w.Flush()
		},
	}
}

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect key lifecycle audit journals",
	}
	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify <journal>",
		Short: "Check a journal's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := audit.VerifyJournal(args[0])
			if err != nil {
				return fmt.Errorf("journal verification failed after %d entries: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verified %d entries\n", n)
			return nil
		},
	})
	return auditCmd
}
