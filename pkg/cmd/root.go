package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stleox/seetrace/pkg/cmd/header"
	"github.com/stleox/seetrace/pkg/cmd/serve"
	"github.com/stleox/seetrace/pkg/config"
)

func init() {
	// debug flag
	pflag.BoolVar(&config.Debug, "debug", false, "Enable debug mode")
}

// NewViper creates a new viper instance configured.
func NewViper() *viper.Viper {
	vp := viper.New()

	// read config from a file
	vp.SetConfigName("config") // name of config file (without extension)
	vp.SetConfigType("yaml")   // useful if the given config file does not have the extension in the name
	vp.AddConfigPath(".")      // look for a config in the working directory first
	vp.AddConfigPath("$HOME/.seetrace")

	// read config from environment variables
	vp.SetEnvPrefix("seetrace") // env var must start with SEETRACE_
	// replace - and . by _ for environment variable names
	// (eg: the env var for publisher.kind is SEETRACE_PUBLISHER_KIND)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vp.AutomaticEnv() // read in environment variables that match
	return vp
}

func New(vp *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "seetrace",
		Short:        "seetrace",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := vp.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return err
				}
			}
			if err := vp.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			if config.Debug {
				config.InitLogrus(4)
				logrus.Info("enabled debug mode")
			} else {
				logrus.Debug("disabled debug mode")
			}
			return nil
		},
	}
	root.PersistentFlags().AddFlagSet(pflag.CommandLine)
	return root
}

func Execute() {
	// 全局初始化 VP 配置
	vp := NewViper()

	root := New(vp)
	root.AddCommand(serve.New(vp))
	root.AddCommand(header.New())

	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
