package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/nouveau"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nvbo",
	Short: "Drive the nouveau buffer object layer",
	Long: `nvbo opens a kernel backend, creates channels and buffer objects, and
runs copies through the pushbuffer the way a 2D acceleration layer would.

The soft backend executes batches in-process. The native backend runs on a
gogpu/wgpu HAL device and falls back to the empty HAL device when no GPU
adapter is present.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			nouveau.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nvbo/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log core and backend activity to stderr")
	flags.StringP("backend", "b", "auto", "kernel backend: auto, soft or native")
	flags.Int("chipset", nouveau.DefaultChipset, "chipset family, 0x50 and later use the NV50 copy layout")
	flags.String("scratch-size", "128kb", "scratch heap size per channel, 0 disables it")
	flags.Duration("wait-timeout", nouveau.DefaultWaitTimeout, "fence and notifier wait timeout")
	flags.String("lang", "en", "language tag for number formatting")

	// Bind flags to viper
	for _, name := range []string{"verbose", "backend", "chipset", "scratch-size", "wait-timeout", "lang"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".nvbo"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// NVBO_SCRATCH_SIZE overrides --scratch-size, and so on.
	viper.SetEnvPrefix("NVBO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
