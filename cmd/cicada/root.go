package main

import (
	"fmt"

	"cicada/internal/app"
	"cicada/internal/config"
	"cicada/internal/ilp"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cicada",
		Short:         "A minimal Interledger payment receiver",
		Long:          `cicada serves SPSP payment requests and fulfils the matching transfers it receives over BTP.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger()
			a, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (default config.local.yaml or config.yaml)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Encode and decode ilp_secret tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "encode <rpc-uri>",
		Short: "Wrap an RPC URI carrying prefix:token credentials into an ilp_secret token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ilp.ParseToken(ilp.MakeToken(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ilp.MakeToken(args[0]))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "decode <token>",
		Short: "Show the RPC URI, prefix and token inside an ilp_secret token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ilp.ParseToken(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rpc_uri: %s\n", c.RPCURI)
			fmt.Fprintf(out, "prefix:  %s\n", c.Prefix)
			fmt.Fprintf(out, "token:   %s\n", c.Token)
			return nil
		},
	})
	return cmd
}
