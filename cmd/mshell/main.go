package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
	"github.com/wavetermdev/waveterm-sub008/internal/shexec"
)

type rootOptions struct {
	version          bool
	single           bool
	singleFromServer bool
	server           bool
	shell            string
}

func run(opts *rootOptions) error {
	if opts.version && !opts.single && !opts.singleFromServer {
		fmt.Printf("mshell %s %s\n", base.MShellVersion, base.UnameString())
		return nil
	}
	ectx, err := base.MakeExecContext()
	if err != nil {
		return err
	}
	if opts.shell != "" {
		if ectx.Config == nil {
			ectx.Config = &base.Config{}
		}
		ectx.Config.DefaultShell = opts.shell
	}
	if err := ectx.EnsureHomeDir(); err != nil {
		return err
	}
	ectx.InitDebugLog()
	switch {
	case opts.single || opts.singleFromServer:
		if opts.version {
			// spawned only to report what is installed here
			barr, merr := packet.MarshalPacket(shexec.MakeServerInitPacket(ectx))
			if merr != nil {
				return merr
			}
			os.Stdout.Write(barr)
			return nil
		}
		os.Exit(shexec.RunSingle(ectx))
	case opts.server:
		os.Exit(shexec.RunServer(ectx))
	}
	return fmt.Errorf("no mode selected (use --single, --server, or --version)")
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "mshell",
		Short: "command execution helper speaking framed json over stdio",
		Long: `mshell runs commands on behalf of a controlling process, speaking a
line-framed json protocol over stdin/stdout. It multiplexes file descriptors,
manages ptys, and captures shell state across commands. It opens no network
ports; remote use rides an existing ssh channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	rootCmd.Flags().BoolVar(&opts.version, "version", false, "print version information")
	rootCmd.Flags().BoolVar(&opts.single, "single", false, "serve exactly one command over stdio")
	rootCmd.Flags().BoolVar(&opts.singleFromServer, "single-from-server", false, "single mode, spawned by a controller in server mode")
	rootCmd.Flags().BoolVar(&opts.server, "server", false, "serve many concurrent commands over stdio")
	rootCmd.Flags().StringVar(&opts.shell, "shell", "", "default shell family (bash or zsh)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		os.Exit(1)
	}
}
