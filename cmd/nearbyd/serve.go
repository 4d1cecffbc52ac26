package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/nearby/internal/bwu"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/internal/wire"
	"github.com/srg/nearby/pkg/connections"
)

var (
	serveService  string
	serveTimeout  time.Duration
	serveUpgrade  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a full two-sided connection demonstration locally",
	Long: `Serve runs both sides of a connection in one process over the loopback
medium: one client advertises, the other discovers and connects, the
advertiser auto-accepts, the discoverer sends a payload, and (with
--upgrade) the pair negotiates a bandwidth upgrade onto a second
simulated medium; the connection then stays up until the duration
elapses or the process is interrupted.

This is the CLI's local-echo mode: since no real radio driver ships in
this build, serve is the way to watch the whole protocol run end to
end.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveService, "service", "s", "nearbyd", "Service ID to advertise/discover under")
	serveCmd.Flags().DurationVarP(&serveTimeout, "duration", "d", 15*time.Second, "Stop after this long (0 = run until interrupted)")
	serveCmd.Flags().BoolVar(&serveUpgrade, "upgrade", true, "Negotiate a bandwidth upgrade once connected")
}

// upgradeLoopbackDriver adapts a loopback.Driver to bwu.UpgradeMedium by
// reporting a distinct Kind, so serve can demonstrate the bandwidth
// upgrade handshake without a real second radio.
type upgradeLoopbackDriver struct {
	*loopback.Driver
	kind   mediums.Kind
	handle string
}

func (d *upgradeLoopbackDriver) Kind() mediums.Kind { return d.kind }

func (d *upgradeLoopbackDriver) UpgradeCredentials() (wire.UpgradePathInfo, error) {
	return wire.UpgradePathInfo{WifiLANIPAddress: d.handle}, nil
}

func (d *upgradeLoopbackDriver) DialCredentials(info wire.UpgradePathInfo) (mediums.RemoteHandle, error) {
	return loopback.Handle(info.WifiLANIPAddress), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if serveTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, serveTimeout)
		defer timeoutCancel()
	}

	baseHub := loopback.NewHub()
	driverA := loopback.NewDriver(baseHub, "advertiser")
	driverB := loopback.NewDriver(baseHub, "discoverer")

	var upgradeDriversA, upgradeDriversB map[mediums.Kind]bwu.UpgradeMedium
	if serveUpgrade {
		upgradeHub := loopback.NewHub()
		upgradeDriversA = map[mediums.Kind]bwu.UpgradeMedium{
			mediums.WifiLAN: &upgradeLoopbackDriver{Driver: loopback.NewDriver(upgradeHub, "advertiser-wifi"), kind: mediums.WifiLAN, handle: "advertiser-wifi"},
		}
		upgradeDriversB = map[mediums.Kind]bwu.UpgradeMedium{
			mediums.WifiLAN: &upgradeLoopbackDriver{Driver: loopback.NewDriver(upgradeHub, "discoverer-wifi"), kind: mediums.WifiLAN, handle: "discoverer-wifi"},
		}
	}

	clientA := connections.New(nil, logger, serveService, connections.StrategyCluster,
		map[mediums.Kind]mediums.Medium{mediums.Loopback: driverA}, upgradeDriversA)
	clientB := connections.New(nil, logger, serveService, connections.StrategyCluster,
		map[mediums.Kind]mediums.Medium{mediums.Loopback: driverB}, upgradeDriversB)

	listenerA := &cliConnectionListener{client: clientA}
	if err := clientA.StartAdvertising(ctx, []byte("advertiser-info"), listenerA); err != nil {
		return err
	}
	defer clientA.StopAdvertising()

	found := make(chan string, 1)
	if err := clientB.StartDiscovery(ctx, discoveryFoundFunc(func(endpointID string) {
		select {
		case found <- endpointID:
		default:
		}
	})); err != nil {
		return err
	}

	var endpointID string
	select {
	case endpointID = <-found:
	case <-ctx.Done():
		return ErrNoPeerDiscovered
	}
	clientB.StopDiscovery()

	bothAccepted := make(chan struct{}, 1)
	listenerB := &cliConnectionListener{client: clientB, onAccepted: func(string) {
		select {
		case bothAccepted <- struct{}{}:
		default:
		}
	}}
	if err := clientB.RequestConnection(ctx, endpointID, []byte("discoverer-info"), listenerB); err != nil {
		return err
	}

	select {
	case <-bothAccepted:
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Println("sending demo payload from discoverer to advertiser")
	if err := clientB.SendPayload(connections.Payload{ID: 1, Type: connections.PayloadTypeBytes, Bytes: []byte("hello from nearbyd serve")}, []string{endpointID}); err != nil {
		return err
	}

	if serveUpgrade {
		time.Sleep(100 * time.Millisecond)
		fmt.Println("negotiating bandwidth upgrade to WIFI_LAN")
		if err := clientB.InitiateBandwidthUpgrade(endpointID); err != nil {
			fmt.Printf("bandwidth upgrade failed: %s\n", FormatUserError(err))
		}
	}

	<-ctx.Done()
	fmt.Println("\nshutting down")
	return nil
}
