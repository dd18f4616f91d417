package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"wuzapi-bitrix-integration/config"
	"wuzapi-bitrix-integration/internal/handlers"
	"wuzapi-bitrix-integration/internal/queue"
	"wuzapi-bitrix-integration/pkg/logger"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook intake and queue API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := handlers.NewServer(handlers.Deps{
				Events:      a.events,
				Dispatcher:  a.dispatcher,
				Tenants:     a.store,
				Credentials: a.creds,
				Portal:      a.bitrix,
			}, handlers.Options{
				DispatchToken:    cfg.DispatchToken,
				BatchSize:        cfg.DispatchBatchSize,
				DispatchOnIntake: cfg.DispatchOnIntake,
			})
			if err != nil {
				return err
			}

			if cfg.DispatchSchedule != "" {
				scheduler, err := scheduleDispatch(ctx, a.dispatcher, cfg.DispatchSchedule, cfg.DispatchBatchSize)
				if err != nil {
					return err
				}
				defer func() { <-scheduler.Stop().Done() }()
			}

			httpServer := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("port", cfg.Port).Msg("Server starting")
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

// scheduleDispatch runs a dispatch pass on every tick of spec. Ticks that
// arrive while a pass is still running are skipped.
func scheduleDispatch(ctx context.Context, d *queue.Dispatcher, spec string, batchSize int) (*cron.Cron, error) {
	clog := logger.Component("cron")
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := c.AddFunc(spec, func() {
		report, err := d.DispatchBatch(ctx, batchSize, 0)
		if err != nil {
			clog.Error().Err(err).Msg("Scheduled dispatch failed")
			return
		}
		if report.Claimed > 0 {
			clog.Info().Interface("report", report).Msg("Scheduled dispatch finished")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_SCHEDULE %q: %w", spec, err)
	}
	c.Start()
	clog.Info().Str("schedule", spec).Msg("Dispatch schedule started")
	return c, nil
}

func newDispatchCommand(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass over the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if limit <= 0 {
				limit = cfg.DispatchBatchSize
			}
			report, err := a.dispatcher.DispatchBatch(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events to process (defaults to DISPATCH_BATCH_SIZE)")
	return cmd
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(*cobra.Command, []string) error {
			conn, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

func newRebindCommand(cfg *config.Config) *cobra.Command {
	var p queue.AdminRebind
	cmd := &cobra.Command{
		Use:   "rebind",
		Short: "Move a portal's event and placement bindings to a new handler URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := p.Validate(); err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			tally, err := a.service.Rebind(cmd.Context(), p)
			if err != nil {
				return err
			}
			cmd.Println(tally.String())
			for _, e := range tally.Errors {
				cmd.Println("  " + e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&p.MemberID, "member", "", "portal member id")
	cmd.Flags().StringVar(&p.Domain, "domain", "", "portal domain")
	cmd.Flags().StringVar(&p.OldURL, "old", "", "handler URL to unbind (defaults to the stored one)")
	cmd.Flags().StringVar(&p.NewURL, "new", "", "handler URL to bind")
	return cmd
}

func newForgetTokenCommand(cfg *config.Config) *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "forget-token",
		Short: "Clear a portal's application token so the next install registers a new one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if member == "" {
				return fmt.Errorf("--member is required")
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.store.Tenant(cmd.Context(), member, "")
			if err != nil {
				return err
			}
			if err := a.store.SetApplicationToken(cmd.Context(), t, ""); err != nil {
				return err
			}
			log.Info().Str("memberID", member).Msg("Application token cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "portal member id")
	return cmd
}

func newEnqueueCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <event-type> <json-payload>",
		Short: "Validate and enqueue an event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := queue.DecodePayload(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			raw, err := json.Marshal(p)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.events.Enqueue(cmd.Context(), p.EventType(), raw)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"id": id, "event_type": p.EventType()})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
