package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"bleproxy/internal/infra/logger"
)

// runDiscover browses for hosts advertising the relay service and prints one
// line per host.
func runDiscover(ctx context.Context, args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags, roleHost)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger, logger.WithDebug(flags.Verbose))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	services, err := buildDiscoverer(log).Browse(ctx, cfg.Discovery.Timeout)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("no bleproxy hosts found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tADDRESS\tSOURCE\tSESSION")
	for _, svc := range services {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", svc.Instance, svc.Addr(), svc.Source, svc.Session)
	}
	return w.Flush()
}
