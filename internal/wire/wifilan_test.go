package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWifiLanServiceInfo_RoundTrip(t *testing.T) {
	info := WifiLanServiceInfo{
		PCP:           PCPP2PCluster,
		EndpointID:    "abcd",
		ServiceIDHash: [3]byte{1, 2, 3},
	}

	data, err := EncodeWifiLanServiceInfo(info)
	require.NoError(t, err)

	decoded, err := DecodeWifiLanServiceInfo(data)
	require.NoError(t, err)
	assert.Equal(t, info, decoded)
}

func TestEncodeWifiLanServiceInfo_RejectsBadEndpointID(t *testing.T) {
	_, err := EncodeWifiLanServiceInfo(WifiLanServiceInfo{PCP: PCPP2PCluster, EndpointID: "abc"})
	require.Error(t, err)
}

func TestDecodeWifiLanServiceInfo_NeverPanics(t *testing.T) {
	for n := 0; n < 12; n++ {
		assert.NotPanics(t, func() {
			_, _ = DecodeWifiLanServiceInfo(make([]byte, n))
		})
	}
}
