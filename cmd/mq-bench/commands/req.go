package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcclab/mq-bench/internal/roles"
)

var reqCmd = &cobra.Command{
	Use:   "req",
	Short: "Run a request/reply load generator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cfg roles.RequesterConfig
		cfg.KeyExpr, _ = cmd.Flags().GetString("key-expr")
		cfg.QPS, _ = cmd.Flags().GetFloat64("qps")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		cfg.Concurrency = int64(concurrency)
		timeoutMS, _ := cmd.Flags().GetInt("timeout")
		cfg.Timeout = time.Duration(timeoutMS) * time.Millisecond
		cfg.Duration = secondsFlag(cmd, "duration")
		cfg.PayloadSize, _ = cmd.Flags().GetInt("payload")
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runRole(cmd, 0, func(common *roles.Common) (roles.Role, error) {
			return roles.NewRequester(common, cfg)
		})
	},
}

func init() {
	engineFlags(reqCmd)
	reqCmd.Flags().String("key-expr", "mq-bench/query", "subject to send requests to")
	reqCmd.Flags().Float64("qps", -1, "requests per second, <= 0 for unbounded")
	reqCmd.Flags().Int("concurrency", 32, "maximum in-flight requests")
	reqCmd.Flags().Int("timeout", 1000, "per-request timeout in milliseconds")
	reqCmd.Flags().Float64("duration", 0, "seconds to run, 0 for forever")
	reqCmd.Flags().Int("payload", 24, "request size in bytes, minimum 24")
}
