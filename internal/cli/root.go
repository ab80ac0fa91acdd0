package cli

import (
	"github.com/spf13/cobra"

	"github.com/cloudknot-io/cloudknot/internal/logging"
	"github.com/cloudknot-io/cloudknot/internal/registry"
)

var (
	rootRegion       string
	rootRegistryPath string
	rootLogLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "cloudknot",
	Short: "Reproducible AWS resource lifecycles",
	Long: `Cloudknot finds or creates the AWS resources a batch workload needs
(VPCs, security groups, IAM roles), records everything it touches in a
local registry, and tears it all down again in dependency order.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(rootLogLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootRegion, "region", "", "AWS region (defaults to the SDK resolution chain)")
	rootCmd.PersistentFlags().StringVar(&rootRegistryPath, "registry", "", "Path to the resource registry file (default ~/.cloudknot/registry.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(versionCmd)
}

func openRegistry() (*registry.Registry, error) {
	path := rootRegistryPath
	if path == "" {
		var err error
		path, err = registry.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return registry.Open(path)
}
