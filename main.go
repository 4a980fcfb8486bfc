package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"peerdrop/commands"
	"peerdrop/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

var (
	configFile string
	logLevel   string
)

func loadConfig() (*config.Config, error) {
	return config.NewConfigFromFile(configFile)
}

var rootCmd = &cobra.Command{
	Use:   "peerdrop",
	Short: "Share files and chat with peers on the local network",
	Long: `peerdrop finds other nodes on the same channel through multicast announcements,
keeps a TCP connection to each of them and broadcasts files and chat lines to all.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setLogLevel(logLevel)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cfg := config.NewEmptyConfig(configFile)
		if channel, _ := cmd.Flags().GetString("channel"); channel != "" {
			cfg.Node.Channel = channel
		}
		return commands.RunInit(cmd.Context(), cfg, force, cmd.OutOrStdout())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node; each stdin line is a file name or a chat line depending on --mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		mode, err := commands.ParseMode(strings.TrimPrefix(modeFlag, "/"))
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if bootstrap, _ := cmd.Flags().GetStringSlice("bootstrap"); len(bootstrap) > 0 {
			cfg.Network.Bootstrap = append(cfg.Network.Bootstrap, bootstrap...)
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		return commands.RunServe(cmd.Context(), cfg, mode, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Ask the running node to send a file from its source directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return commands.RunSend(cmd.Context(), cfg, args[0], cmd.OutOrStdout())
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <text>",
	Short: "Ask the running node to send a chat line",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return commands.RunChat(cmd.Context(), cfg, strings.Join(args, " "), cmd.OutOrStdout())
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the peers the running node is connected to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return commands.RunPeers(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the peer history and transfer log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return commands.RunInfo(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "peerdrop.json", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level")

	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	initCmd.Flags().String("channel", "", "Channel to join (default \""+config.DefaultChannel+"\")")

	serveCmd.Flags().String("mode", string(commands.ModeFile), "What a plain input line is: file or chat")
	serveCmd.Flags().StringSlice("bootstrap", []string{}, "Additional peer addresses to dial (host:port)")

	rootCmd.AddCommand(initCmd, serveCmd, sendCmd, chatCmd, peersCmd, infoCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
