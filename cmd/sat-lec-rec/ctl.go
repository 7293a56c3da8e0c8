package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/control"
	"github.com/Eyebottle/sat-lec-rec/pkg/api"
)

var (
	ctlAddr     string
	ctlDetailed bool
	ctlWatch    bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl <initialize|start|stop|status|cleanup|set_log_level> [output|level]",
	Short: "Send a command to a running serve instance",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCtl(args)
	},
}

func init() {
	ctlCmd.Flags().StringVar(&ctlAddr, "addr", "", "control server address (default: control.listen from config)")
	ctlCmd.Flags().BoolVar(&ctlDetailed, "detailed", false, "include full stats in status")
	ctlCmd.Flags().BoolVar(&ctlWatch, "watch", false, "after the command, print pushed events until interrupted")
	ctlCmd.Flags().IntVar(&recWidth, "width", 0, "start: output width")
	ctlCmd.Flags().IntVar(&recHeight, "height", 0, "start: output height")
	ctlCmd.Flags().IntVar(&recFPS, "fps", 0, "start: frame rate")
	rootCmd.AddCommand(ctlCmd)
}

func runCtl(args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	addr := ctlAddr
	if addr == "" {
		addr = cfg.Control.Listen
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := api.Dial(ctx, "http://"+addr, cfg.Control.Token)
	if err != nil {
		return err
	}
	defer client.Close()

	var st control.Status
	switch args[0] {
	case control.CmdInitialize:
		st, err = client.Initialize(ctx)
	case control.CmdStart:
		req := control.StartRequest{Width: recWidth, Height: recHeight, FPS: recFPS}
		if len(args) == 2 {
			req.Path = args[1]
		}
		st, err = client.Start(ctx, req)
	case control.CmdStop:
		st, err = client.Stop(ctx)
	case control.CmdStatus:
		st, err = client.Status(ctx, ctlDetailed)
	case control.CmdCleanup:
		st, err = client.Cleanup(ctx)
	case control.CmdSetLogLevel:
		if len(args) != 2 {
			return fmt.Errorf("set_log_level needs a level")
		}
		if _, err := client.Call(ctx, control.CmdSetLogLevel, map[string]any{"level": args[1]}); err != nil {
			return err
		}
		fmt.Println("log level set to", args[1])
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return err
	}
	if !ctlWatch {
		return nil
	}
	for ev := range client.Events() {
		fmt.Printf("%s %s\n", ev.Type, ev.Result)
	}
	return nil
}
