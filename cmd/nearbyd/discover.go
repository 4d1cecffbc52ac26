package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/pkg/connections"
)

var (
	discoverService string
	discoverHandle  string
	discoverTimeout time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover endpoints advertising a service",
	Long: `Discover watches for endpoints advertising the given service ID and
prints each one found (or lost) until the duration elapses or the
process is interrupted.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVarP(&discoverService, "service", "s", "nearbyd", "Service ID to discover")
	discoverCmd.Flags().StringVar(&discoverHandle, "handle", "local", "Loopback handle identifying this process's driver")
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "duration", "d", 10*time.Second, "Stop after this long (0 = run until interrupted)")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if discoverTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, discoverTimeout)
		defer timeoutCancel()
	}

	hub := loopback.NewHub()
	driver := loopback.NewDriver(hub, discoverHandle)
	client := connections.New(nil, logger, discoverService, connections.StrategyCluster,
		map[mediums.Kind]mediums.Medium{mediums.Loopback: driver}, nil)

	listener := &cliDiscoveryListener{}
	if err := client.StartDiscovery(ctx, listener); err != nil {
		return err
	}
	defer client.StopDiscovery()

	<-ctx.Done()
	fmt.Println("stopping discovery")
	return nil
}

type cliDiscoveryListener struct{}

func (l *cliDiscoveryListener) EndpointFound(endpointID string, endpointInfo []byte, serviceID string) {
	fmt.Printf("found: endpoint=%s service=%s info=%q\n", endpointID, serviceID, endpointInfo)
}

func (l *cliDiscoveryListener) EndpointLost(endpointID string) {
	fmt.Printf("lost: endpoint=%s\n", endpointID)
}

func (l *cliDiscoveryListener) EndpointDistanceChanged(endpointID, distanceInfo string) {
	fmt.Printf("distance changed: endpoint=%s %s\n", endpointID, distanceInfo)
}
