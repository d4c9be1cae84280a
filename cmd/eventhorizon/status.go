package main

import (
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/eventhorizon/internal/httputil"
	"github.com/banshee-data/eventhorizon/internal/monitor"
)

var serverAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running pipeline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st monitor.Status
		if err := httputil.NewClient(serverAddr, nil).Get(cmd.Context(), "/api/status", &st); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running pipeline",
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, ctlCmd} {
		c.PersistentFlags().StringVar(&serverAddr, "server", "localhost:8080", "address of the running server")
	}
	for _, action := range []string{"connect", "disconnect", "reset"} {
		ctlCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("Ask the pipeline to %s", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return httputil.NewClient(serverAddr, nil).Post(cmd.Context(), "/api/"+action, nil, nil)
			},
		})
	}
	ctlCmd.AddCommand(&cobra.Command{
		Use:   "accumulation SECONDS",
		Short: "Set the accumulation time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				AccumulationTime float64 `json:"seconds"`
			}
			q := url.Values{"seconds": {args[0]}}
			if err := httputil.NewClient(serverAddr, nil).Post(cmd.Context(), "/api/accumulation", q, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accumulation time %gs\n", resp.AccumulationTime)
			return nil
		},
	})
}

func printStatus(w io.Writer, st monitor.Status) {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(w, "%s, transmission %s, %d events published\n", state, st.Transmission, st.Stats.Published)
	if st.RunID != "" {
		fmt.Fprintf(w, "run %s\n", st.RunID)
	}
	acc := time.Duration(st.AccumulationTime * float64(time.Second))
	fmt.Fprintf(w, "window %d events over %v, horizon #%d\n", st.WindowEvents, acc, st.HorizonID)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tRUNNING\tLAST ID\tPROCESSED\tDROPPED\tCPU")
	for _, s := range st.Stages {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%.1f%%\n", s.Name, s.Running, s.LastProcessedID, s.Processed, s.Dropped, 100*s.CPUUsage)
	}
	tw.Flush()

	if len(st.Isotopes) == 0 {
		fmt.Fprintln(w, "no isotopes identified")
		return
	}
	for _, iso := range st.Isotopes {
		fmt.Fprintf(w, "%s (%.0f%%)\n", iso.Name, 100*iso.Confidence)
	}
}
