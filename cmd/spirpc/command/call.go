package command

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"spi-rpc/client"
	"spi-rpc/cmd/spirpc/demo"
	"spi-rpc/message"
	"spi-rpc/middleware"
	"spi-rpc/transport"
)

// directDiscovery sends every call to one address, skipping the registry.
type directDiscovery string

func (d directDiscovery) LookupService(context.Context, *message.Request) (string, error) {
	return string(d), nil
}

func newCallCommand(a *app) *cobra.Command {
	var (
		msg, description, direct string
		timeout                  time.Duration
	)
	ref := client.ServiceRef{Interface: demo.Interface, Group: demo.Group, Version: demo.Version}
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call HelloService.Hello once and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reply, err := a.callHello(ctx, ref, direct, demo.Hello{Message: msg, Description: description})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&msg, "message", "m", "111", "hello message")
	flags.StringVar(&description, "description", "222", "hello description")
	flags.StringVar(&ref.Group, "group", demo.Group, "service group")
	flags.StringVar(&ref.Version, "version", demo.Version, "service version")
	flags.StringVar(&direct, "server", "", "call this host:port instead of looking the service up")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline, retries included")
	return cmd
}

func (a *app) callHello(ctx context.Context, ref client.ServiceRef, direct string, hello demo.Hello) (string, error) {
	s, err := a.newStack(prometheus.NewRegistry())
	if err != nil {
		return "", err
	}
	defer s.Close()

	var d transport.Discovery = s.registry
	if direct != "" {
		d = directDiscovery(direct)
	}
	opts, err := a.transportOptions(s, d)
	if err != nil {
		return "", err
	}
	c := client.New(client.Options{
		Transport: opts,
		Middlewares: []middleware.Middleware{
			middleware.Logging(a.logger),
			middleware.Retry(a.cfg.Client.MaxRetries, a.cfg.Client.RetryBaseDelay),
		},
		Logger: a.logger,
	})
	defer c.Close()

	var reply string
	if err := c.Invoke(ctx, ref, "Hello", []any{hello}, &reply); err != nil {
		return "", err
	}
	return reply, nil
}
