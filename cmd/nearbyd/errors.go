package main

import (
	"errors"
	"fmt"

	"github.com/srg/nearby/internal/bwu"
	"github.com/srg/nearby/internal/channel"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/pcp"
	"github.com/srg/nearby/internal/registry"
	"github.com/srg/nearby/internal/ukey2"
	"github.com/srg/nearby/internal/wire"
)

// ErrNoPeerDiscovered indicates a send/connect command ran out of time
// waiting for the loopback demo peer to show up.
var ErrNoPeerDiscovered = errors.New("no endpoint discovered before timeout")

// FormatUserError unwraps one of this module's typed errors into a short,
// human-readable line, falling back to err.Error() for anything else.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *pcp.ApiError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%s (%s)", apiErr.Msg, apiErr.Status)
	}

	var bwuErr *bwu.ApiError
	if errors.As(err, &bwuErr) {
		return bwuErr.Msg
	}

	var ioErr *channel.IoError
	if errors.As(err, &ioErr) {
		return fmt.Sprintf("connection error: %s", ioErr.Msg)
	}

	var connErr *mediums.ConnectionError
	if errors.As(err, &connErr) {
		return fmt.Sprintf("%s medium error: %s (%s)", connErr.Medium, connErr.State, connErr.Msg)
	}

	var codecErr *wire.CodecError
	if errors.As(err, &codecErr) {
		return fmt.Sprintf("malformed %s frame: %s", codecErr.Format, codecErr.Msg)
	}

	var stateErr *registry.StateError
	if errors.As(err, &stateErr) {
		return stateErr.Error()
	}

	if errors.Is(err, ukey2.ErrAuthentication) {
		return "authentication failed: the two endpoints disagree on the shared secret"
	}

	return err.Error()
}
