package commands

import (
	"github.com/spf13/cobra"

	"github.com/hpcclab/mq-bench/internal/roles"
)

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Run an open-loop publisher",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cfg roles.PublisherConfig
		cfg.TopicPrefix, _ = cmd.Flags().GetString("topic-prefix")
		cfg.PayloadSize, _ = cmd.Flags().GetInt("payload")
		cfg.Rate, _ = cmd.Flags().GetFloat64("rate")
		cfg.Duration = secondsFlag(cmd, "duration")
		cfg.Publishers, _ = cmd.Flags().GetInt("publishers")
		cfg.Topics, _ = cmd.Flags().GetInt("topics")
		cfg.ShareTransport, _ = cmd.Flags().GetBool("share-transport")
		if err := cfg.Validate(); err != nil {
			return err
		}
		// The scheduler owns the duration; the role context only needs the
		// signal handler.
		return runRole(cmd, 0, func(common *roles.Common) (roles.Role, error) {
			return roles.NewPublisher(common, cfg)
		})
	},
}

func init() {
	engineFlags(pubCmd)
	pubCmd.Flags().String("topic-prefix", "mq-bench/throughput", "topic, or topic prefix when --topics > 1")
	pubCmd.Flags().Int("payload", 256, "message size in bytes, minimum 24")
	pubCmd.Flags().Float64("rate", -1, "messages per second per publisher, <= 0 for unbounded")
	pubCmd.Flags().Float64("duration", 0, "seconds to run, 0 for forever")
	pubCmd.Flags().Int("publishers", 1, "number of logical publishers")
	pubCmd.Flags().Int("topics", 1, "number of topics spread under the prefix")
	pubCmd.Flags().Bool("share-transport", true, "share one broker session across all publishers")
}
