package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resources tracked in the registry",
	Long: `Prints every resource cloudknot is tracking, grouped by kind.

Resources listed here were either created by cloudknot or adopted by it;
'cloudknot down' will delete all of them.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	sections := reg.Sections()
	if len(sections) == 0 {
		fmt.Printf("No tracked resources in %s\n", reg.Path())
		return nil
	}

	fmt.Printf("Tracked resources in %s\n", reg.Path())
	for _, section := range sections {
		fmt.Printf("\n%s:\n", section)
		entries := reg.List(section)
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %s\t%s\n", id, entries[id])
		}
	}
	return nil
}
