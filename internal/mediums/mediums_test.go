package mediums

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancellationFlag_SetIsSetDone(t *testing.T) {
	f := NewCancellationFlag()
	assert.False(t, f.IsSet())

	select {
	case <-f.Done():
		t.Fatal("done channel closed before Set")
	default:
	}

	f.Set()
	assert.True(t, f.IsSet())

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel not closed after Set")
	}

	// Setting twice must not panic.
	f.Set()
	assert.True(t, f.IsSet())
}

func TestConnectionError_IsMatchesByState(t *testing.T) {
	err := &ConnectionError{Medium: BLE, State: Unreachable, Msg: "peer gone"}
	assert.True(t, errors.Is(err, &ConnectionError{State: Unreachable}))
	assert.False(t, errors.Is(err, &ConnectionError{State: NotAdvertising}))
}

func TestNormalizeError(t *testing.T) {
	wrapped := NormalizeError(Bluetooth, fmt.Errorf("device is not advertising right now"))
	assert.True(t, IsConnectionState(wrapped, NotAdvertising))

	passthrough := NormalizeError(Bluetooth, fmt.Errorf("boom"))
	assert.False(t, IsConnectionState(passthrough, NotAdvertising))
}

func TestNormalizeError_NilIsNil(t *testing.T) {
	assert.NoError(t, NormalizeError(BLE, nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "BLE", BLE.String())
	assert.Equal(t, "LOOPBACK", Loopback.String())
	assert.Equal(t, "UNKNOWN", Kind(999).String())
}
