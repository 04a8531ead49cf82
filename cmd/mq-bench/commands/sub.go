package commands

import (
	"github.com/spf13/cobra"

	"github.com/hpcclab/mq-bench/internal/roles"
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Run a latency-measuring subscriber",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cfg roles.SubscriberConfig
		cfg.Expr, _ = cmd.Flags().GetString("expr")
		cfg.Subscribers, _ = cmd.Flags().GetInt("subscribers")
		cfg.Duration = secondsFlag(cmd, "duration")
		cfg.ShareTransport, _ = cmd.Flags().GetBool("share-transport")
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runRole(cmd, cfg.Duration, func(common *roles.Common) (roles.Role, error) {
			return roles.NewSubscriber(common, cfg)
		})
	},
}

func init() {
	engineFlags(subCmd)
	subCmd.Flags().String("expr", "mq-bench/throughput", "key expression to subscribe to (wildcards pass through)")
	subCmd.Flags().Int("subscribers", 1, "number of logical subscribers")
	subCmd.Flags().Float64("duration", 0, "seconds to run, 0 for forever")
	subCmd.Flags().Bool("share-transport", true, "share one broker session across all subscribers")
}
