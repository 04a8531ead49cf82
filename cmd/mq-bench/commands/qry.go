package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcclab/mq-bench/internal/roles"
)

var qryCmd = &cobra.Command{
	Use:   "qry",
	Short: "Run a query responder",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cfg roles.ResponderConfig
		cfg.ServePrefixes, _ = cmd.Flags().GetStringArray("serve-prefix")
		cfg.ReplySize, _ = cmd.Flags().GetInt("reply-size")
		delayMS, _ := cmd.Flags().GetInt("proc-delay")
		cfg.ProcDelay = time.Duration(delayMS) * time.Millisecond
		cfg.Duration = secondsFlag(cmd, "duration")
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runRole(cmd, cfg.Duration, func(common *roles.Common) (roles.Role, error) {
			return roles.NewResponder(common, cfg)
		})
	},
}

func init() {
	engineFlags(qryCmd)
	qryCmd.Flags().StringArray("serve-prefix", []string{"mq-bench/query"}, "key prefix to serve (repeatable)")
	qryCmd.Flags().Int("reply-size", 128, "reply size in bytes")
	qryCmd.Flags().Int("proc-delay", 0, "simulated processing delay per query in milliseconds")
	qryCmd.Flags().Float64("duration", 0, "seconds to run, 0 for forever")
}
