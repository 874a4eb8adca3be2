package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"dexarb/internal/app"
	"dexarb/internal/protocol"
)

var (
	manifestEnabledOnly bool

	manifestAddAddress  string
	manifestAddToken0   string
	manifestAddToken1   string
	manifestAddFee      uint32
	manifestAddProtocol string
	manifestAddTVL      float64
	manifestAddVolume   float64
	manifestAddDisabled bool

	manifestPruneMaxAge time.Duration
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect and edit the pool manifest",
}

var manifestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pools in the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ManifestList(cmd.OutOrStdout(), manifestEnabledOnly)
	},
}

var manifestAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a pool to the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		var addr common.Address
		if manifestAddAddress != "" {
			parsed, err := parseAddress("--address", manifestAddAddress)
			if err != nil {
				return err
			}
			addr = parsed
		}
		token0, err := optionalAddress("--token0", manifestAddToken0)
		if err != nil {
			return err
		}
		token1, err := optionalAddress("--token1", manifestAddToken1)
		if err != nil {
			return err
		}

		opts := app.ManifestAddOptions{
			Address:  addr,
			Token0:   token0,
			Token1:   token1,
			Fee:      manifestAddFee,
			Protocol: manifestAddProtocol,
			Disabled: manifestAddDisabled,
		}
		if cmd.Flags().Changed("tvl") {
			opts.TVL = &manifestAddTVL
		}
		if cmd.Flags().Changed("volume") {
			opts.Volume24h = &manifestAddVolume
		}
		if err := getApp().ManifestAdd(cmd.Context(), opts); err != nil {
			return err
		}
		if addr == (common.Address{}) {
			fmt.Fprintf(cmd.OutOrStdout(), "added %s/%s pool\n", token0.Hex(), token1.Hex())
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", addr.Hex())
		}
		return nil
	},
}

var manifestRemoveCmd = &cobra.Command{
	Use:   "remove <address>",
	Short: "Remove a pool from the manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddress("address", args[0])
		if err != nil {
			return err
		}
		return getApp().ManifestRemove(addr)
	},
}

var manifestEnableCmd = &cobra.Command{
	Use:   "enable <address>",
	Short: "Enable a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var manifestDisableCmd = &cobra.Command{
	Use:   "disable <address>",
	Short: "Disable a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

var manifestPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove pools not updated within --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		if manifestPruneMaxAge <= 0 {
			return fmt.Errorf("--max-age must be greater than zero")
		}
		removed, err := getApp().ManifestPrune(manifestPruneMaxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d pools\n", removed)
		return nil
	},
}

func setEnabled(raw string, enabled bool) error {
	addr, err := parseAddress("address", raw)
	if err != nil {
		return err
	}
	return getApp().ManifestSetEnabled(addr, enabled)
}

func parseAddress(name, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, fmt.Errorf("%s is required", name)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s value %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func optionalAddress(name, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(name, raw)
}

func init() {
	manifestListCmd.Flags().BoolVar(&manifestEnabledOnly, "enabled", false, "Only list enabled pools")

	manifestAddCmd.Flags().StringVar(&manifestAddAddress, "address", "", "Pool address (resolved on chain from tokens and fee when empty)")
	manifestAddCmd.Flags().StringVar(&manifestAddToken0, "token0", "", "Token0 address")
	manifestAddCmd.Flags().StringVar(&manifestAddToken1, "token1", "", "Token1 address")
	manifestAddCmd.Flags().Uint32Var(&manifestAddFee, "fee", 0, "Fee tier in hundredths of a bip")
	manifestAddCmd.Flags().StringVar(&manifestAddProtocol, "protocol", "", "Protocol name")
	manifestAddCmd.Flags().Float64Var(&manifestAddTVL, "tvl", 0, "Total value locked (USD)")
	manifestAddCmd.Flags().Float64Var(&manifestAddVolume, "volume", 0, "24h volume (USD)")
	manifestAddCmd.Flags().BoolVar(&manifestAddDisabled, "disabled", false, "Add the pool disabled")

	manifestPruneCmd.Flags().DurationVar(&manifestPruneMaxAge, "max-age", protocol.DefaultPoolMaxAge, "Maximum age since last update")

	manifestCmd.AddCommand(manifestListCmd, manifestAddCmd, manifestRemoveCmd, manifestEnableCmd, manifestDisableCmd, manifestPruneCmd)
}
