package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kit-tracker/internal/excel"
	"kit-tracker/internal/models"
	"kit-tracker/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var (
	nearbyLat    float64
	nearbyLng    float64
	nearbyRadius float64
	nearbyLimit  int
	nearbyJSON   bool
)

var nearbyCmd = &cobra.Command{
	Use:     "nearby",
	Short:   "List accounts closest to a coordinate",
	Example: `  kit-tracker nearby --lat 37.788 --lng -122.4075 --radius 5`,
	RunE:    runNearby,
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the current session to an xlsx workbook",
	RunE:  runExport,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or reset the current session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current session as JSON",
	RunE:  runSessionShow,
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Discard the current session and start an empty one",
	RunE:  runSessionNew,
}

func init() {
	serveCmd.Flags().String("port", "", "listen port (overrides PORT)")

	nearbyCmd.Flags().Float64Var(&nearbyLat, "lat", 0, "latitude")
	nearbyCmd.Flags().Float64Var(&nearbyLng, "lng", 0, "longitude")
	nearbyCmd.Flags().Float64Var(&nearbyRadius, "radius", 0, "search radius in km (default from SALESFORCE_SEARCH_RADIUS_KM)")
	nearbyCmd.Flags().IntVar(&nearbyLimit, "limit", 0, "maximum results (default from SALESFORCE_MAX_RESULTS)")
	nearbyCmd.Flags().BoolVar(&nearbyJSON, "json", false, "print JSON instead of a table")
	_ = nearbyCmd.MarkFlagRequired("lat")
	_ = nearbyCmd.MarkFlagRequired("lng")

	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default kits-<start>.xlsx)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	port, _ := cmd.Flags().GetString("port")
	if port == "" {
		port = cfg.Port
	}

	srv := server.New(server.Deps{
		Sessions:   a.sessions,
		Controller: a.controller,
		Matcher:    a.matcher,
		Auth:       a.directory.Auth(),
		Gatherer:   a.registry,
		Logger:     logger.Named("http"),
	}, server.Options{
		LoginUser:     cfg.Login.User,
		LoginPassword: cfg.Login.Password,
		SessionSecret: cfg.Login.SessionSecret,
		RadiusKm:      cfg.Salesforce.SearchRadiusKm,
		MaxResults:    cfg.Salesforce.MaxResults,
	})

	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kit tracker listening", zap.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func runNearby(cmd *cobra.Command, args []string) error {
	if math.IsNaN(nearbyLat) || math.IsNaN(nearbyLng) ||
		nearbyLat < -90 || nearbyLat > 90 || nearbyLng < -180 || nearbyLng > 180 {
		return fmt.Errorf("coordinates out of range: %v,%v", nearbyLat, nearbyLng)
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	origin := models.Coordinate{Latitude: nearbyLat, Longitude: nearbyLng}
	accounts := a.matcher.FindNearestAccounts(cmd.Context(), origin, nearbyRadius, nearbyLimit)
	out := cmd.OutOrStdout()

	if nearbyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"accounts": accounts, "status": a.matcher.Status()})
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCITY\tDISTANCE (KM)")
	for _, acc := range accounts {
		dist := ""
		if acc.DistanceKm != nil {
			dist = fmt.Sprintf("%.2f", *acc.DistanceKm)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", acc.ID, acc.Name, acc.BillingCity, dist)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d accounts from %s\n", len(accounts), a.matcher.Status().Source)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	current := a.sessions.Current()
	path := exportOut
	if path == "" {
		path = fmt.Sprintf("kits-%s.xlsx", current.StartedAt.UTC().Format("20060102-150405"))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := excel.WriteSession(f, current); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	counts := current.Counts()
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d kits (%d complete, %d pending) to %s\n", counts.Total, counts.Complete, counts.Pending, path)
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	current := a.sessions.Current()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"session": current, "counts": current.Counts()})
}

func runSessionNew(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	old := a.sessions.Current()
	fresh := a.controller.StartNewSession(cmd.Context())
	if err := a.sessions.LastStorageError(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "started session %s (discarded %s with %d kits)\n", fresh.ID, old.ID, len(old.Kits))
	return nil
}
