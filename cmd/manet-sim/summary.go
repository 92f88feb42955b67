package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/signalsfoundry/manet-simulator/internal/sim"
)

func writeFlowTable(w io.Writer, flows []sim.FlowStats) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"NODE", "KIND", "DESTINATION", "SENT", "RECEIVED", "RATIO", "FIRST", "LAST", "DELAY", "JITTER"})
	rows := make([][]string, 0, len(flows))
	for _, f := range flows {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(f.Node), 10),
			f.Kind.String(),
			f.Destination.String(),
			strconv.Itoa(f.Sent),
			strconv.Itoa(f.Received),
			fmt.Sprintf("%.3f", f.DeliveryRatio()),
			f.FirstSend.String(),
			f.LastSend.String(),
			f.MeanDelay.String(),
			f.StdDevDelay.String(),
		})
	}
	table.AppendBulk(rows)
	table.Render()
}
