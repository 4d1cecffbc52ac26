// Package statuscode defines the Status taxonomy every public API
// completion callback resolves to (spec §7). Status is the value carried
// back to a caller; the typed errors in the component packages (e.g.
// registry.StateError, wire.CodecError) are what gets wrapped with
// fmt.Errorf and surfaced through errors.Is/errors.As internally.
package statuscode

// Status enumerates the outcomes a public API call can resolve to.
type Status int

const (
	Success Status = iota
	Error
	OutOfOrderAPICall
	AlreadyHaveActiveStrategy
	AlreadyAdvertising
	AlreadyDiscovering
	AlreadyConnectedToEndpoint
	NotConnectedToEndpoint
	EndpointUnknown
	EndpointIOError
	BluetoothError
	BLEError
	WifiLANError
	PayloadUnknown
	Authentication
	ConnectionRejected
	NextValue
)

var names = map[Status]string{
	Success:                    "SUCCESS",
	Error:                      "ERROR",
	OutOfOrderAPICall:          "OUT_OF_ORDER_API_CALL",
	AlreadyHaveActiveStrategy:  "ALREADY_HAVE_ACTIVE_STRATEGY",
	AlreadyAdvertising:         "ALREADY_ADVERTISING",
	AlreadyDiscovering:         "ALREADY_DISCOVERING",
	AlreadyConnectedToEndpoint: "ALREADY_CONNECTED_TO_ENDPOINT",
	NotConnectedToEndpoint:     "NOT_CONNECTED_TO_ENDPOINT",
	EndpointUnknown:            "ENDPOINT_UNKNOWN",
	EndpointIOError:            "ENDPOINT_IO_ERROR",
	BluetoothError:             "BLUETOOTH_ERROR",
	BLEError:                   "BLE_ERROR",
	WifiLANError:               "WIFI_LAN_ERROR",
	PayloadUnknown:             "PAYLOAD_UNKNOWN",
	Authentication:             "AUTHENTICATION",
	ConnectionRejected:         "CONNECTION_REJECTED",
	NextValue:                  "NEXT_VALUE",
}

func (s Status) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return "UNKNOWN_STATUS"
}

// OK reports whether s represents a successful outcome.
func (s Status) OK() bool {
	return s == Success
}

// Error implements the error interface so a Status can be returned
// directly from functions that want a plain `error`, matching the way the
// public API methods in pkg/connections resolve a completion callback with
// a Status derived from whatever internal error occurred.
func (s Status) Error() string {
	return s.String()
}
