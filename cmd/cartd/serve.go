package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/cartsync"
	h "github.com/JayeshGamer/GoGoGoGrocery2/internal/http"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local cart API with background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
		defer cancel()
		a.close(closeCtx)
	}()

	router := h.NewRouter(h.Handlers{
		Cart:     h.NewCartHandler(a.cart, a.inventory, a.rules, a.cfg.RemoteTimeout),
		Checkout: h.NewCheckoutHandler(a.checkout, a.cart, a.cfg.RequestTimeout),
		Sync:     h.NewSyncHandler(a.engine, a.cfg.RequestTimeout),
		Orders:   h.NewOrdersHandler(a.remote, a.cfg.UserID, a.cfg.RemoteTimeout),
	}, a.cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + a.cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: a.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(ctx)
	})
	g.Go(func() error {
		logEvents(ctx, a)
		return nil
	})
	if a.outbox != nil {
		g.Go(func() error {
			a.outbox.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		a.log.Info("cartd listening", "port", a.cfg.HTTPPort, "user_id", a.cfg.UserID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("server exited")
	return err
}

func logEvents(ctx context.Context, a *app) {
	for {
		select {
		case ev := <-a.engine.Events():
			switch ev.Kind {
			case cartsync.EventConflict:
				a.log.Warn("cart sync needs resolution", "revision", ev.Revision)
			case cartsync.EventError:
				a.log.Warn("cart sync failed", "error", ev.Err)
			default:
				a.log.Debug("cart sync event", "kind", string(ev.Kind), "state", ev.State.String(), "revision", ev.Revision)
			}
		case <-ctx.Done():
			return
		}
	}
}
