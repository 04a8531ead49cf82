package commands

import (
	"github.com/spf13/cobra"

	"github.com/hpcclab/mq-bench/internal/keyspace"
	"github.com/hpcclab/mq-bench/internal/roles"
	"github.com/hpcclab/mq-bench/internal/transport"
)

func scenarioFlags(cmd *cobra.Command) {
	cmd.Flags().String("topic-prefix", "mq-bench/mt", "keyspace prefix")
	cmd.Flags().Int("tenants", 1, "tenant dimension")
	cmd.Flags().Int("regions", 1, "region dimension")
	cmd.Flags().Int("services", 1, "service dimension")
	cmd.Flags().Int("shards", 1, "shard dimension")
	cmd.Flags().String("mapping", "mdim", "client-to-key mapping: mdim or hash")
}

func scenarioFrom(cmd *cobra.Command) (keyspace.Scenario, error) {
	var s keyspace.Scenario
	s.Prefix, _ = cmd.Flags().GetString("topic-prefix")
	s.Tenants, _ = cmd.Flags().GetInt("tenants")
	s.Regions, _ = cmd.Flags().GetInt("regions")
	s.Services, _ = cmd.Flags().GetInt("services")
	s.Shards, _ = cmd.Flags().GetInt("shards")
	mapping, _ := cmd.Flags().GetString("mapping")
	m, err := keyspace.ParseMapping(mapping)
	if err != nil {
		return s, transport.Wrap(transport.KindConfig, err)
	}
	s.Mapping = m
	return s, nil
}

var mtPubCmd = &cobra.Command{
	Use:   "mt-pub",
	Short: "Run a multi-topic publisher across a keyspace scenario",
	RunE: func(cmd *cobra.Command, _ []string) error {
		scenario, err := scenarioFrom(cmd)
		if err != nil {
			return err
		}
		cfg := roles.MultiPublisherConfig{Scenario: scenario}
		cfg.Publishers, _ = cmd.Flags().GetInt("publishers")
		cfg.PayloadSize, _ = cmd.Flags().GetInt("payload")
		cfg.Rate, _ = cmd.Flags().GetFloat64("rate")
		cfg.Duration = secondsFlag(cmd, "duration")
		cfg.ShareTransport, _ = cmd.Flags().GetBool("share-transport")
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runRole(cmd, 0, func(common *roles.Common) (roles.Role, error) {
			return roles.NewMultiPublisher(common, cfg)
		})
	},
}

var mtSubCmd = &cobra.Command{
	Use:   "mt-sub",
	Short: "Run a multi-topic subscriber with one subscription per key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		scenario, err := scenarioFrom(cmd)
		if err != nil {
			return err
		}
		cfg := roles.MultiSubscriberConfig{Scenario: scenario}
		cfg.Subscribers, _ = cmd.Flags().GetInt("subscribers")
		cfg.Duration = secondsFlag(cmd, "duration")
		cfg.ShareTransport, _ = cmd.Flags().GetBool("share-transport")
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runRole(cmd, cfg.Duration, func(common *roles.Common) (roles.Role, error) {
			return roles.NewMultiSubscriber(common, cfg)
		})
	},
}

func init() {
	engineFlags(mtPubCmd)
	scenarioFlags(mtPubCmd)
	mtPubCmd.Flags().Int("publishers", 1, "number of logical publishers")
	mtPubCmd.Flags().Int("payload", 256, "message size in bytes, minimum 24")
	mtPubCmd.Flags().Float64("rate", -1, "messages per second per publisher, <= 0 for unbounded")
	mtPubCmd.Flags().Float64("duration", 0, "seconds to run, 0 for forever")
	mtPubCmd.Flags().Bool("share-transport", true, "share one broker session across all publishers")

	engineFlags(mtSubCmd)
	scenarioFlags(mtSubCmd)
	mtSubCmd.Flags().Int("subscribers", 1, "number of logical subscribers")
	mtSubCmd.Flags().Float64("duration", 0, "seconds to run, 0 for forever")
	mtSubCmd.Flags().Bool("share-transport", true, "share one broker session across all subscribers")
}
