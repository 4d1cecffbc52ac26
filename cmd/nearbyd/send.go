package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/internal/registry"
	"github.com/srg/nearby/pkg/connections"
)

var (
	sendService string
	sendText    string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a bytes payload over a freshly established local connection",
	Long: `Send drives the full connection lifecycle against an in-process echo
peer over the loopback medium (advertise, discover, connect, accept) and
sends the given text as a single bytes payload, printing delivery
confirmation once the peer reports it received everything.

Since this build ships only the loopback reference driver, send always
talks to a peer it spins up itself rather than a separately running
process; use serve to watch both sides of a connection at once.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendService, "service", "s", "nearbyd", "Service ID to connect under")
	sendCmd.Flags().StringVarP(&sendText, "text", "t", "hello from nearbyd", "Text to send as a bytes payload")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "Overall time budget for the handshake and transfer")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()

	hub := loopback.NewHub()
	receiverDriver := loopback.NewDriver(hub, "receiver")
	senderDriver := loopback.NewDriver(hub, "sender")

	receiver := connections.New(nil, logger, sendService, connections.StrategyCluster,
		map[mediums.Kind]mediums.Medium{mediums.Loopback: receiverDriver}, nil)
	sender := connections.New(nil, logger, sendService, connections.StrategyCluster,
		map[mediums.Kind]mediums.Medium{mediums.Loopback: senderDriver}, nil)

	received := make(chan registry.Payload, 1)
	recvListener := &autoAcceptListener{client: receiver, onPayload: func(p registry.Payload) { received <- p }}
	if err := receiver.StartAdvertising(ctx, []byte("nearbyd-receiver"), recvListener); err != nil {
		return err
	}
	defer receiver.StopAdvertising()

	found := make(chan string, 1)
	if err := sender.StartDiscovery(ctx, discoveryFoundFunc(func(endpointID string) {
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
	sender.StopDiscovery()

	accepted := make(chan struct{}, 1)
	connListener := &autoAcceptListener{client: sender, onAccepted: func() { accepted <- struct{}{} }}
	if err := sender.RequestConnection(ctx, endpointID, []byte("nearbyd-sender"), connListener); err != nil {
		return err
	}

	select {
	case <-accepted:
	case <-ctx.Done():
		return ctx.Err()
	}

	payload := registry.Payload{ID: time.Now().UnixNano(), Type: registry.PayloadTypeBytes, Bytes: []byte(sendText)}
	if err := sender.SendPayload(payload, []string{endpointID}); err != nil {
		return err
	}

	select {
	case got := <-received:
		fmt.Printf("delivered %d bytes to the peer: %q\n", len(got.Bytes), string(got.Bytes))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for delivery confirmation")
	}
}

// discoveryFoundFunc adapts a found-endpoint callback to DiscoveryListener.
type discoveryFoundFunc func(endpointID string)

func (f discoveryFoundFunc) EndpointFound(endpointID string, _ []byte, _ string) { f(endpointID) }
func (discoveryFoundFunc) EndpointLost(string)                                  {}
func (discoveryFoundFunc) EndpointDistanceChanged(string, string)               {}

// autoAcceptListener auto-accepts any incoming connection (the receiver
// side) and/or reports an outgoing connection's acceptance (the sender
// side), depending on which callbacks are set.
type autoAcceptListener struct {
	client     *connections.Client
	onPayload  func(registry.Payload)
	onAccepted func()
}

func (l *autoAcceptListener) Initiated(endpointID string, _ []byte, isIncoming bool) {
	// Both sides of a handshake must explicitly decide (spec §4.5); this
	// demo listener always accepts.
	if l.client == nil {
		return
	}
	pl := &funcPayloadListener{onPayload: l.onPayload}
	_ = l.client.AcceptConnection(endpointID, pl)
}

func (l *autoAcceptListener) Accepted(string) {
	if l.onAccepted != nil {
		l.onAccepted()
	}
}
func (l *autoAcceptListener) Rejected(string, int)        {}
func (l *autoAcceptListener) Disconnected(string)         {}
func (l *autoAcceptListener) BandwidthChanged(string, string) {}

type funcPayloadListener struct {
	onPayload func(registry.Payload)
}

func (f *funcPayloadListener) Payload(_ string, p registry.Payload) {
	if f.onPayload != nil {
		f.onPayload(p)
	}
}
func (f *funcPayloadListener) PayloadProgress(string, registry.PayloadProgress) {}
