package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeflare/dbq/pkg/config"
)

var cfgFile string
var logLevel string
var cfg *config.Config
var rootCmd = &cobra.Command{
	Use:   "dbq",
	Short: "DBQ coordinates asynchronous access to a single database connection",
	Long:  `dbq serializes queries and transactions over one logical database connection`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dbq.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")

	rootCmd.PersistentFlags().String("conn.uri", "", "database connection URI")
	rootCmd.PersistentFlags().String("engine", "", "wire backend: mysql or postgres")
	viper.BindPFlag("conn.uri", rootCmd.PersistentFlags().Lookup("conn.uri"))
	viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(pingCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
}
