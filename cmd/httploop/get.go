package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nczempin/httploop/client"
	"github.com/nczempin/httploop/protocol"
	"github.com/spf13/cobra"
)

type getOptions struct {
	method  string
	headers []string
	data    string
	include bool
}

func getCmd(g *globalOptions) *cobra.Command {
	o := getOptions{}

	cmd := &cobra.Command{
		Use:   "get URL [URL...]",
		Short: "Fetch URLs",
		Long: `Fetch each URL on its own connection and print the body.

Examples:
  httploop get http://127.0.0.1:8080/json
  httploop get -i -X POST -d '{"a":1}' -H 'Content-Type: application/json' http://127.0.0.1:8080/items`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := o.requests(args)
			if err != nil {
				return err
			}
			return runGet(cmd.Context(), g, reqs, o.include, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&o.method, "method", "X", "GET", "Request method")
	cmd.Flags().StringArrayVarP(&o.headers, "header", "H", nil, "Request header 'Key: Value' (repeatable)")
	cmd.Flags().StringVarP(&o.data, "data", "d", "", "Request body")
	cmd.Flags().BoolVarP(&o.include, "include", "i", false, "Print the status line and headers")

	return cmd
}

func (o *getOptions) requests(urls []string) ([]*protocol.Request, error) {
	reqs := make([]*protocol.Request, 0, len(urls))
	for _, u := range urls {
		req := protocol.NewRequest(strings.ToUpper(o.method), u)
		for _, h := range o.headers {
			k, v, ok := strings.Cut(h, ":")
			if !ok {
				return nil, fmt.Errorf("invalid --header %q: want 'Key: Value'", h)
			}
			req.Headers.Add(strings.TrimSpace(k), strings.TrimSpace(v))
		}
		if o.data != "" {
			req.Body = []byte(o.data)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func runGet(ctx context.Context, g *globalOptions, reqs []*protocol.Request, include bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sink, err := g.sink()
	if err != nil {
		return err
	}
	l, err := g.newLoop(sink)
	if err != nil {
		return err
	}
	defer l.Shutdown()

	cli, err := client.Create(l, client.WithSink(sink))
	if err != nil {
		return err
	}
	if err := cli.InitAsync(l.Stop); err != nil {
		return err
	}

	var failures int
	fetch(cli, reqs, include, out, func(n int) { failures = n })
	if err := l.Run(ctx); err != nil {
		return err
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d requests failed", failures, len(reqs))
	}
	return nil
}

// fetch issues every request, printing results in completion order, then
// releases cli and reports the failure count.
func fetch(cli *client.Client, reqs []*protocol.Request, include bool, out io.Writer, done func(failures int)) {
	remaining, failures := len(reqs), 0
	finish := func(err error, url string) {
		if err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "%s: %v\n", url, err)
		}
		remaining--
		if remaining == 0 {
			done(failures)
			cli.Release()
		}
	}
	for _, req := range reqs {
		url := req.URL
		err := cli.Do(req, func(resp *protocol.Response, err error) {
			if err == nil {
				printResponse(out, resp, include)
			}
			finish(err, url)
		})
		if err != nil {
			finish(err, url)
		}
	}
}

func printResponse(out io.Writer, resp *protocol.Response, include bool) {
	if include {
		fmt.Fprintf(out, "%s %d %s\n", resp.Proto(), resp.StatusCode, resp.Reason)
		for _, h := range resp.Headers {
			fmt.Fprintf(out, "%s: %s\n", h.Key, h.Value)
		}
		fmt.Fprintln(out)
	}
	out.Write(resp.Body)
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Fprintln(out)
	}
}
