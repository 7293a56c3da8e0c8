package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
)

var configWrite bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)

		if configWrite {
			if err := config.SaveTo(cfg, cfgFile); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintln(os.Stderr, "config saved")
		}
		return nil
	},
}

func init() {
	configCmd.Flags().BoolVar(&configWrite, "write", false, "save the effective configuration to the config file")
}
