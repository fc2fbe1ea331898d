package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnehpets/oauthsession/config"
)

var (
	cfgFile string
	envFile string
	debug   bool

	v = config.New()

	rootCmd = &cobra.Command{
		Use:           "oauthsession",
		Short:         "OAuth2 login with server-side sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
	}
)

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logs")

	rootCmd.AddCommand(serveCmd)
}

// initConfig loads the dotenv file and the optional config file into v.
func initConfig(v *viper.Viper) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			log.Debugf("No %s file found, using environment variables", envFile)
		}
	}
	if cfgFile != "" {
		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
	}
	if debug {
		v.Set(config.KeyLogLevel, "debug")
	}
	return nil
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		log.Errorln("Fatal error:", err)
	}
	return err
}
