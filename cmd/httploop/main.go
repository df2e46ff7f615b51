package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nczempin/httploop/diag"
	"github.com/nczempin/httploop/loop"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalOptions struct {
	driver    string
	logLevel  string
	logFormat string
}

func main() {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:   "httploop",
		Short: "Callback-driven HTTP/1.x server and client on a single event loop",
		Long: `httploop runs the HTTP/1.x engine on one event loop goroutine.

  serve   answer requests from static routes, delayed routes or an upstream
  get     fetch one or more URLs`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", loop.DefaultDriver,
		"I/O driver ("+strings.Join(loop.Drivers(), ", ")+")")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "text or json")

	rootCmd.AddCommand(
		serveCmd(&opts),
		getCmd(&opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (o *globalOptions) sink() (*diag.Sink, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch o.logFormat {
	case "text":
		h = slog.NewTextHandler(os.Stderr, hopts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, hopts)
	default:
		return nil, fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
	return diag.New(slog.New(h)), nil
}

func (o *globalOptions) newLoop(sink *diag.Sink) (*loop.EventLoop, error) {
	return loop.New(loop.WithDriver(o.driver), loop.WithSink(sink))
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}
			fmt.Printf("httploop %s (%s)\n", version, commit)
			fmt.Printf("  drivers: %s\n", strings.Join(loop.Drivers(), ", "))
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
