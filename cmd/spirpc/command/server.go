package command

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spi-rpc/cmd/spirpc/demo"
	"spi-rpc/middleware"
	"spi-rpc/server"
)

func newServerCommand(a *app) *cobra.Command {
	var listen, metricsAddr string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Host the demo HelloService and publish it to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runServer(ctx, listen, metricsAddr)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listen, "addr", "", "listen address, overrides server.bind and server.port")
	flags.String("advertise", "", "host:port announced to the registry")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	a.v.BindPFlag("server.advertise", flags.Lookup("advertise"))
	return cmd
}

func (a *app) runServer(ctx context.Context, listen, metricsAddr string) error {
	reg := prometheus.NewRegistry()
	s, err := a.newStack(reg)
	if err != nil {
		return err
	}
	defer s.Close()

	if listen == "" {
		listen = a.cfg.Server.ListenAddr()
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Codec:      s.codec,
		Registry:   s.registry,
		Advertise:  advertiseAddr(a.cfg.Server.Advertise, ln.Addr()),
		Workers:    a.cfg.Server.Workers,
		ReaderIdle: a.cfg.Server.ReaderIdle,
		Logger:     a.logger,
		Metrics:    s.metrics,
	})
	srv.Use(middleware.Recover(a.logger))
	srv.Use(middleware.Logging(a.logger))
	if a.cfg.Server.RateLimit > 0 {
		srv.Use(middleware.RateLimit(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst))
	}
	if err := srv.Register(demo.Config()); err != nil {
		ln.Close()
		return err
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
		defer hs.Close()
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if serveErr := <-served; serveErr != nil {
		return serveErr
	}
	return err
}

// advertiseAddr falls back to loopback when the listener is bound to every interface.
func advertiseAddr(configured string, addr net.Addr) string {
	if configured != "" {
		return configured
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
