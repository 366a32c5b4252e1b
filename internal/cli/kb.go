package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwarden/internal/knowledge"
)

var (
	kbListAll  bool
	kbListJSON bool
)

func init() {
	rootCmd.AddCommand(kbCmd)
	kbCmd.AddCommand(kbInitCmd)
	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbShowCmd)
	kbCmd.AddCommand(kbLearnCmd)
	kbCmd.AddCommand(kbMigrateCmd)
	kbListCmd.Flags().BoolVar(&kbListAll, "all", false, "List every environment, not just the current one")
	kbListCmd.Flags().BoolVar(&kbListJSON, "json", false, "Print entries as JSON")
}

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Knowledge base operations",
	Long:  "Inspect and edit the trusted-process knowledge base. A running monitor picks up changes made here.",
}

var kbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty knowledge base if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if _, err := os.Stat(store.Path()); err == nil {
			fmt.Printf("Knowledge base already exists: %s\n", store.Path())
			return nil
		}
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", store.Path())
		return nil
	},
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		entries := filterEntries(store.Entries(), store.Environment(), kbListAll)
		if kbListJSON {
			out, _ := json.MarshalIndent(entries, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		printEntries(os.Stdout, entries)
		return nil
	},
}

var kbShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show the explanation stored for a process name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		e, ok := store.Lookup(args[0])
		if !ok {
			return fmt.Errorf("%s: not in the %s knowledge base", args[0], store.Environment())
		}
		fmt.Printf("Name:        %s\n", args[0])
		fmt.Printf("Environment: %s\n", store.Environment())
		fmt.Printf("Explanation: %s\n", e.Explanation)
		if e.VerifiedAt != "" {
			fmt.Printf("Verified at: %s\n", e.VerifiedAt)
		}
		return nil
	},
}

var kbLearnCmd = &cobra.Command{
	Use:   "learn NAME TEXT...",
	Short: "Trust a process name with an explanation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Record(args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("Learned %s in %s\n", args[0], store.Environment())
		return nil
	},
}

var kbMigrateCmd = &cobra.Command{
	Use:   "migrate FILE",
	Short: "Import a knowledge base file, including the legacy layout",
	Long: `Reads FILE in either the versioned layout or the legacy
{"sistemas": {env: {"procesos_standard": {name: text}}}} layout and merges it
into the configured knowledge base. Existing entries with a newer
verified_at are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		n, legacy, err := migrateFile(store, args[0])
		if err != nil {
			return err
		}
		layout := "versioned"
		if legacy {
			layout = "legacy"
		}
		fmt.Printf("Imported %d entries from %s (%s layout) into %s\n", n, args[0], layout, store.Path())
		return nil
	},
}

func migrateFile(store *knowledge.Store, path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", path, err)
	}
	kb, legacy, err := knowledge.Decode(data)
	if err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", path, err)
	}
	n, err := store.Import(kb)
	return n, legacy, err
}

func filterEntries(entries []knowledge.Entry, env string, all bool) []knowledge.Entry {
	out := []knowledge.Entry{}
	for _, e := range entries {
		if all || e.Environment == env {
			out = append(out, e)
		}
	}
	return out
}

func printEntries(w io.Writer, entries []knowledge.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Knowledge base is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENVIRONMENT\tNAME\tVERIFIED\tEXPLANATION")
	for _, e := range entries {
		at := e.VerifiedAt
		if at == "" {
			at = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Environment, e.Name, at, e.Explanation)
	}
	tw.Flush()
}
