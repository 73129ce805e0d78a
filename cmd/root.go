package cmd

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alejoacosta74/botstream/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var (
	configHooksMu sync.Mutex
	configHooks   = map[int]func(v *viper.Viper){}
	nextHookID    int
)

// onConfigReload registers fn to run after every config file change. The
// returned func unregisters it.
func onConfigReload(fn func(v *viper.Viper)) (remove func()) {
	configHooksMu.Lock()
	defer configHooksMu.Unlock()
	id := nextHookID
	nextHookID++
	configHooks[id] = fn
	return func() {
		configHooksMu.Lock()
		defer configHooksMu.Unlock()
		delete(configHooks, id)
	}
}

func runConfigHooks(v *viper.Viper) {
	configHooksMu.Lock()
	hooks := make([]func(*viper.Viper), 0, len(configHooks))
	for _, fn := range configHooks {
		hooks = append(hooks, fn)
	}
	configHooksMu.Unlock()

	for _, fn := range hooks {
		fn(v)
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "botstream",
	Short: "Real-time channel client for trading bots",
	Long: `botstream keeps one WebSocket channel per trading bot open against the
bot backend, reconnecting with a linear backoff and printing the pushed
spread, order, position and status updates.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./botstream.yaml or $HOME/.botstream/botstream.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text or json)")
	rootCmd.PersistentFlags().String("host", "", "Bot backend host[:port]")
	rootCmd.PersistentFlags().Bool("secure", false, "Use wss instead of ws")
	rootCmd.PersistentFlags().String("token", "", "Auth token (prefer BOTSTREAM_AUTH_TOKEN or the config file)")
	viper.BindPFlag(logging.KeyLevel, rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag(logging.KeyFormat, rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag(keyHost, rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag(keySecure, rootCmd.PersistentFlags().Lookup("secure"))
	viper.BindPFlag(keyToken, rootCmd.PersistentFlags().Lookup("token"))

	setDefaults(viper.GetViper())
}

// initConfig reads in config file and ENV variables if set. A config file
// is watched so a rotated auth token or log level takes effect without a
// restart.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("botstream")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.botstream")
		}
	}

	viper.SetEnvPrefix("BOTSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configErr := viper.ReadInConfig()
	if err := logging.Configure(logrus.StandardLogger(), logging.FromViper(viper.GetViper())); err != nil {
		return err
	}

	if configErr != nil {
		if _, ok := configErr.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", configErr)
		}
		logrus.Debug("No config file found, using flags and environment")
		return nil
	}

	logrus.WithField("file", viper.ConfigFileUsed()).Info("Using config file")
	viper.OnConfigChange(func(e fsnotify.Event) {
		log := logrus.WithField("file", e.Name)
		if err := logging.Configure(logrus.StandardLogger(), logging.FromViper(viper.GetViper())); err != nil {
			log.WithError(err).Warn("Ignoring invalid logging settings")
		}
		log.WithField("op", e.Op.String()).Info("Config file changed")
		runConfigHooks(viper.GetViper())
	})
	viper.WatchConfig()
	return nil
}
