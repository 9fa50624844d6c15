package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-crypt/pkg/keystore"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
)

func newKeyCmd(a *app) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage encryption keys",
		Long:  `Generate, rotate, list and retire the versioned AES-128 keys in the key store.`,
	}

	var announceFor time.Duration

	generateCmd := &cobra.Command{
		Use:         "generate",
		Short:       "Generate a new active key",
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.keys.GenerateKey(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated key version %d\n", v)
			return a.linger(cmd, announceFor)
		},
	}

	var ifDue bool
	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate to a new active key",
		Long: `Generate a new key and make it active for new encryptions. The previous key
is kept as "rotated" so records sealed under it still open.`,
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if ifDue && !a.keys.ShouldRotate(a.cfg.Rotation.MaxAge) {
				fmt.Fprintf(out, "Key version %d is younger than %s, not rotating\n",
					a.keys.LatestVersion(), a.cfg.Rotation.MaxAge)
				return nil
			}
			old := a.keys.LatestVersion()
			v, err := a.keys.RotateKey(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to rotate key: %w", err)
			}
			fmt.Fprintf(out, "Rotated key version %d -> %d\n", old, v)
			return a.linger(cmd, announceFor)
		},
	}

	var jsonOutput bool
	listCmd := &cobra.Command{
		Use:         "list",
		Short:       "List all keys",
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := a.keys.ListKeys()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), keys)
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys found")
				return nil
			}
			return writeKeyTable(cmd.OutOrStdout(), keys)
		},
	}
	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	infoCmd := &cobra.Command{
		Use:         "info <version>",
		Short:       "Show metadata for one key",
		Annotations: keyStoreAnnotation,
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			md, err := a.keys.GetKeyMetadata(v)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), md)
			}
			return writeKeyTable(cmd.OutOrStdout(), []keystore.KeyMetadata{*md})
		},
	}
	infoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	statsCmd := &cobra.Command{
		Use:         "stats",
		Short:       "Show key counts and ages",
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats := a.keys.GetStatistics()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Active version:\t%d\n", stats.ActiveVersion)
			fmt.Fprintf(w, "Active key age:\t%s\n", stats.ActiveKeyAge.Round(time.Second))
			fmt.Fprintf(w, "Total:\t%d\n", stats.TotalKeys)
			fmt.Fprintf(w, "Active:\t%d\n", stats.ActiveKeys)
			fmt.Fprintf(w, "Rotated:\t%d\n", stats.RotatedKeys)
			fmt.Fprintf(w, "Deprecated:\t%d\n", stats.DeprecatedKeys)
			fmt.Fprintf(w, "Revoked:\t%d\n", stats.RevokedKeys)
			fmt.Fprintf(w, "Rotation due:\t%t\n", a.keys.ShouldRotate(a.cfg.Rotation.MaxAge))
			return w.Flush()
		},
	}
	statsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	revokeCmd := &cobra.Command{
		Use:   "revoke <version>",
		Short: "Revoke a key",
		Long: `Revoke a key so it is never handed out again. Records sealed under a revoked
key can no longer be opened. The active key cannot be revoked; rotate first.`,
		Annotations: keyStoreAnnotation,
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			if err := a.keys.RevokeKey(cmd.Context(), v); err != nil {
				return fmt.Errorf("failed to revoke key version %d: %w", v, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key version %d\n", v)
			return nil
		},
	}

	deprecateCmd := &cobra.Command{
		Use:         "deprecate <version>",
		Short:       "Mark a key for removal by cleanup",
		Annotations: keyStoreAnnotation,
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			if err := a.keys.DeprecateKey(cmd.Context(), v); err != nil {
				return fmt.Errorf("failed to deprecate key version %d: %w", v, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deprecated key version %d\n", v)
			return nil
		},
	}

	var olderThan time.Duration
	cleanupCmd := &cobra.Command{
		Use:         "cleanup",
		Short:       "Delete deprecated and revoked keys",
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age := olderThan
			if !cmd.Flags().Changed("older-than") {
				age = a.cfg.Rotation.CleanupAfter
			}
			n, err := a.keys.CleanupDeprecatedKeys(cmd.Context(), age)
			if err != nil {
				return fmt.Errorf("cleanup stopped after %d keys: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d keys\n", n)
			return nil
		},
	}
	cleanupCmd.Flags().DurationVar(&olderThan, "older-than", 0, "only remove keys created before this long ago (default rotation.cleanup_after)")

	var format string
	exportCmd := &cobra.Command{
		Use:         "export",
		Short:       "Export key metadata (never key material)",
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.keys.ExportKeyMetadata(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	exportCmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml)")

	for _, c := range []*cobra.Command{generateCmd, rotateCmd} {
		c.Flags().DurationVar(&announceFor, "announce-for", 0, "keep announcing the new version on --keysync-address for this long")
	}
	rotateCmd.Flags().BoolVar(&ifDue, "if-due", false, "rotate only when the active key is older than rotation.max_age")

	keyCmd.AddCommand(generateCmd, rotateCmd, listCmd, infoCmd, statsCmd,
		revokeCmd, deprecateCmd, cleanupCmd, exportCmd)
	return keyCmd
}

// linger keeps the announcer running so followers that connect late still
// hear the new version.
func (a *app) linger(cmd *cobra.Command, d time.Duration) error {
	if d <= 0 || a.announcer == nil {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}

func parseVersion(s string) (keyversion.KeyVersion, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid key version %q: must be a positive integer", s)
	}
	return keyversion.KeyVersion(n), nil
}

func writeKeyTable(out io.Writer, keys []keystore.KeyMetadata) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATUS\tALGORITHM\tCREATED\tROTATED")
	for _, k := range keys {
		rotated := "-"
		if !k.RotatedAt.IsZero() {
			rotated = k.RotatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			k.Version, k.Status, k.Algorithm, k.CreatedAt.Format(time.RFC3339), rotated)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
