package app

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"flare-signals/internal/chain"
)

// Chains prints the chain registry after configuration overrides, with the current block estimate.
func (a *App) Chains() error {
	writeChains(os.Stdout, a.newRegistry().List(), time.Now())
	return nil
}

func writeChains(out io.Writer, chains []chain.Chain, now time.Time) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tBlock Time\tGenesis\tRPC\tEstimated Block")
	for _, c := range chains {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%d\t%d\n",
			c.ID,
			c.Name,
			c.AvgBlockTime,
			time.Unix(c.GenesisTimestamp, 0).UTC().Format(time.RFC3339),
			len(c.RPCEndpoints),
			c.Estimate(now.UnixMilli()),
		)
	}
	writer.Flush()
}
