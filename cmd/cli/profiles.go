package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/hostsweep/internal/pipeline"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Show the scaling profiles",
	Long: `Print the size-bucketed scaling profiles. A run picks its profile from
the number of distinct valid addresses in the input.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return renderProfiles(cmd.OutOrStdout(), pipeline.Profiles())
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func renderProfiles(w io.Writer, buckets []pipeline.ProfileBucket) error {
	table := tablewriter.NewWriter(w)
	table.Header("Profile", "Addresses", "Batches", "Batch Size", "Per Batch", "Ports Timeout", "Reach Timeout")

	lower := 1
	for _, b := range buckets {
		p := b.Profile
		sizes := fmt.Sprintf("%d+", lower)
		if b.MaxHosts > 0 {
			sizes = fmt.Sprintf("%d-%d", lower, b.MaxHosts)
			lower = b.MaxHosts + 1
		}
		row := []string{
			p.Name,
			sizes,
			strconv.Itoa(p.ConcurrentBatches),
			strconv.Itoa(p.BatchSize),
			strconv.Itoa(p.IPConcurrency),
			p.PortScanTimeout.String(),
			p.ReachabilityTimeout.String(),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
