package cli

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"dexarb/internal/app"
)

var (
	quoteProtocol string
	quoteTokenIn  string
	quoteTokenOut string
	quoteAmount   string
	quoteFee      uint32
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Quote an exact-input swap through a protocol adapter",
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenIn, err := parseAddress("--token-in", quoteTokenIn)
		if err != nil {
			return err
		}
		tokenOut, err := parseAddress("--token-out", quoteTokenOut)
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(quoteAmount, 0)
		if !ok {
			return fmt.Errorf("invalid --amount value %q", quoteAmount)
		}

		opts := app.QuoteOptions{
			Protocol: quoteProtocol,
			TokenIn:  tokenIn,
			TokenOut: tokenOut,
			AmountIn: amount,
		}
		if cmd.Flags().Changed("fee") {
			opts.Fee = &quoteFee
		}
		return getApp().Quote(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteProtocol, "protocol", "", "Protocol name")
	quoteCmd.Flags().StringVar(&quoteTokenIn, "token-in", "", "Input token address")
	quoteCmd.Flags().StringVar(&quoteTokenOut, "token-out", "", "Output token address")
	quoteCmd.Flags().StringVar(&quoteAmount, "amount", "", "Input amount in the token's smallest unit")
	quoteCmd.Flags().Uint32Var(&quoteFee, "fee", 0, "Fee tier for concentrated pools")
	_ = quoteCmd.MarkFlagRequired("protocol")
}
