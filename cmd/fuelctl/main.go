// Copyright 2024 FleetBeacon LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// fuelctl is the operator CLI for a running fuelcored. Every command is
// one request over the daemon's admin socket.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetbeacon/fuelcore/admin"
	"github.com/fleetbeacon/fuelcore/estimator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fuelctl",
		Short:         "Operator CLI for the fuelcore daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("socket", admin.DefaultSocketPath, "admin socket of the running daemon")
	root.PersistentFlags().Bool("json", false, "print raw JSON instead of tables")

	root.AddCommand(
		newSnapshotCmd(),
		newFleetCmd(),
		newHistoryCmd(),
		newReplayCmd(),
		newResetEKFCmd(),
		newResetIdleCmd(),
		newResetSessionCmd(),
	)
	return root
}

func clientFor(cmd *cobra.Command) *admin.Client {
	socket, _ := cmd.Flags().GetString("socket")
	return admin.NewClient(socket)
}

func wantJSON(cmd *cobra.Command) bool {
	j, _ := cmd.Flags().GetBool("json")
	return j
}

func writeJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot TRUCK",
		Short: "Show one truck's current estimate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := clientFor(cmd).Do(admin.Request{Op: admin.OpSnapshot, TruckID: args[0]})
			if err != nil {
				return err
			}
			var snap estimator.TruckSnapshot
			if err := json.Unmarshal(resp.Result, &snap); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			return renderSnapshots(cmd.OutOrStdout(), []estimator.TruckSnapshot{snap})
		},
	}
}

func newFleetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fleet",
		Short: "Show every configured truck's current estimate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := clientFor(cmd).Do(admin.Request{Op: admin.OpFleetSnapshot})
			if err != nil {
				return err
			}
			var snaps []estimator.TruckSnapshot
			if err := json.Unmarshal(resp.Result, &snaps); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), snaps)
			}
			return renderSnapshots(cmd.OutOrStdout(), snaps)
		},
	}
}

func renderSnapshots(w io.Writer, snaps []estimator.TruckSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRUCK\tFUEL%\tGPH\tACTIVITY\tDRIVER\tSTALE\tUPDATED")
	for _, s := range snaps {
		updated := "-"
		if !s.At.IsZero() {
			updated = s.At.Format(time.RFC3339)
		}
		driver := s.DriverID
		if driver == "" {
			driver = "-"
		}
		fmt.Fprintf(tw, "%s\t%.1f\t%.2f\t%s\t%s\t%v\t%s\n",
			s.TruckID, s.FuelPct, s.ConsumptionGPH, s.Activity, driver, s.Stale, updated)
	}
	return tw.Flush()
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history TRUCK",
		Short: "List archived readings for a truck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			window, _ := cmd.Flags().GetInt("window")
			resp, err := clientFor(cmd).Do(admin.Request{
				Op: admin.OpHistory, TruckID: args[0], WindowMinutes: window,
			})
			if err != nil {
				return err
			}
			var rs []estimator.Reading
			if err := json.Unmarshal(resp.Result, &rs); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), rs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tFUEL%\tSPEED\tRPM\tECU_TOTAL_L")
			for _, r := range rs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.At.Format(time.RFC3339), optCell(r.FuelLevelPct), optCell(r.SpeedMPH),
					optCell(r.RPM), optCell(r.ECUTotalFuelL))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("window", 60, "how many minutes back to list")
	return cmd
}

func optCell(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *p)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [TRUCK]",
		Short: "Replay retained bus events, optionally for one truck",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			limit, _ := cmd.Flags().GetInt("limit")
			req := admin.Request{Op: admin.OpReplay, Topic: topic, Limit: limit}
			if len(args) == 1 {
				req.TruckID = args[0]
			}
			resp, err := clientFor(cmd).Do(req)
			if err != nil {
				return err
			}
			var evs []admin.ReplayedEvent
			if err := json.Unmarshal(resp.Result, &evs); err != nil {
				return err
			}
			if wantJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), evs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tTOPIC\tTRUCK\tPAYLOAD")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					ev.At.Format(time.RFC3339), ev.Topic, ev.TruckID, string(ev.Payload))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("topic", "", "only events on this topic")
	cmd.Flags().Int("limit", 0, "newest N events (server default when 0)")
	return cmd
}

func newResetEKFCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-ekf TRUCK",
		Short: "Discard a truck's learned fuel estimation state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			resp, err := clientFor(cmd).ResetEKF(args[0], force, func(message string) bool {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\nproceed? [y/N]: ", message)
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				answer = strings.ToLower(strings.TrimSpace(answer))
				return answer == "y" || answer == "yes"
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Message)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "skip the confirmation round trip")
	return cmd
}

func newResetIdleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-idle TRUCK",
		Short: "Reset a truck's adaptive idle consumption filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := clientFor(cmd).Do(admin.Request{Op: admin.OpResetIdle, TruckID: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Message)
			return nil
		},
	}
}

func newResetSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-session TRUCK",
		Short: "Force-close the open driver session on a truck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _ := cmd.Flags().GetString("driver")
			resp, err := clientFor(cmd).Do(admin.Request{
				Op: admin.OpResetDriverSession, TruckID: args[0], DriverID: driver,
			})
			if err != nil {
				return err
			}
			var session estimator.DriverSession
			if err := json.Unmarshal(resp.Result, &session); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed session %s (driver %s, started %s)\n",
				session.ID, session.DriverID, session.StartedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("driver", "", "require the open session to belong to this driver")
	return cmd
}
