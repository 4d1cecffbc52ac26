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
	advertiseService string
	advertiseInfo    string
	advertiseHandle  string
	advertiseTimeout time.Duration
)

var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Advertise a service and accept incoming connections",
	Long: `Advertise starts accepting connections under a service ID and auto-accepts
every incoming request, printing connection lifecycle events and any
payloads received until the duration elapses or the process is
interrupted.`,
	RunE: runAdvertise,
}

func init() {
	advertiseCmd.Flags().StringVarP(&advertiseService, "service", "s", "nearbyd", "Service ID to advertise")
	advertiseCmd.Flags().StringVar(&advertiseInfo, "info", "nearbyd-endpoint", "Endpoint info advertised to discoverers")
	advertiseCmd.Flags().StringVar(&advertiseHandle, "handle", "local", "Loopback handle identifying this process's driver")
	advertiseCmd.Flags().DurationVarP(&advertiseTimeout, "duration", "d", 0, "Stop after this long (0 = run until interrupted)")
}

func runAdvertise(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if advertiseTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, advertiseTimeout)
		defer timeoutCancel()
	}

	hub := loopback.NewHub()
	driver := loopback.NewDriver(hub, advertiseHandle)
	client := connections.New(nil, logger, advertiseService, connections.StrategyCluster,
		map[mediums.Kind]mediums.Medium{mediums.Loopback: driver}, nil)

	localID, err := client.LocalEndpointID()
	if err != nil {
		return err
	}
	fmt.Printf("advertising service %q as endpoint %s (handle %s)\n", advertiseService, localID, advertiseHandle)

	listener := &cliConnectionListener{client: client}
	if err := client.StartAdvertising(ctx, []byte(advertiseInfo), listener); err != nil {
		return err
	}
	defer client.StopAdvertising()

	<-ctx.Done()
	fmt.Println("\nstopping advertising")
	return nil
}

// cliConnectionListener prints connection lifecycle events and
// auto-accepts every incoming connection request.
type cliConnectionListener struct {
	client     *connections.Client
	onAccepted func(endpointID string)
}

func (l *cliConnectionListener) Initiated(endpointID string, info []byte, isIncoming bool) {
	fmt.Printf("initiated: endpoint=%s incoming=%v info=%q\n", endpointID, isIncoming, info)
	// Both sides of a handshake must explicitly decide (spec §4.5); this
	// demo listener always accepts.
	if err := l.client.AcceptConnection(endpointID, &cliPayloadListener{endpointID: endpointID}); err != nil {
		fmt.Printf("accept failed for %s: %s\n", endpointID, FormatUserError(err))
	}
}

func (l *cliConnectionListener) Accepted(endpointID string) {
	fmt.Printf("accepted: endpoint=%s\n", endpointID)
	if l.onAccepted != nil {
		l.onAccepted(endpointID)
	}
}

func (l *cliConnectionListener) Rejected(endpointID string, status int) {
	fmt.Printf("rejected: endpoint=%s status=%d\n", endpointID, status)
}

func (l *cliConnectionListener) Disconnected(endpointID string) {
	fmt.Printf("disconnected: endpoint=%s\n", endpointID)
}

func (l *cliConnectionListener) BandwidthChanged(endpointID, medium string) {
	fmt.Printf("bandwidth changed: endpoint=%s medium=%s\n", endpointID, medium)
}
