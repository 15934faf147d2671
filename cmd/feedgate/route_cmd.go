package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/feedgate/internal/routing"
	"pkt.systems/feedgate/internal/window"
)

func newRouteCommand() *cobra.Command {
	var origins []string
	var seed uint64
	cmd := &cobra.Command{
		Use:   "route tenant...",
		Short: "Print the origin each environment id is placed on",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []string
			for _, raw := range origins {
				for _, part := range strings.Split(raw, ",") {
					if part = strings.TrimSpace(part); part != "" {
						list = append(list, part)
					}
				}
			}
			router, err := routing.New(list, seed)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tenant := range args {
				if _, err := fmt.Fprintf(out, "%s\t%d\t%s\n", tenant, router.Index(tenant), router.Route(tenant)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&origins, "origins", nil, "origin base URLs in placement order")
	cmd.Flags().Uint64Var(&seed, "router-seed", 0, "seed mixed into the tenant hash")
	_ = cmd.MarkFlagRequired("origins")
	return cmd
}

func newWindowCommand() *cobra.Command {
	var maxLookback string
	var at string
	cmd := &cobra.Command{
		Use:   "window duration",
		Short: "Print the cutoff a relative window resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bound, err := window.Parse(maxLookback)
			if err != nil {
				return fmt.Errorf("parse --max-lookback: %w", err)
			}
			now := time.Now().UTC()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
			}
			cutoff, ok := window.Resolver{MaxLookback: bound}.Resolve(args[0], now)
			if !ok {
				return fmt.Errorf("window %q does not parse; no cutoff would be applied", args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n",
				cutoff.Format(time.RFC3339Nano),
				humanize.RelTime(cutoff, now, "ago", "from now"),
			)
			return err
		},
	}
	cmd.Flags().StringVar(&maxLookback, "max-lookback", window.Format(window.DefaultMaxLookback), "clamp applied to the window")
	cmd.Flags().StringVar(&at, "at", "", "resolve against this RFC3339 instant instead of now")
	return cmd
}
