package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDCTAdvertisement_RoundTrip(t *testing.T) {
	adv := DCTAdvertisement{
		ServiceIDHash: [2]byte{0x96, 0x77},
		PSM:           192,
		Dedup:         1,
		DeviceName:    "testdev",
	}

	data, err := EncodeDCTAdvertisement(adv)
	require.NoError(t, err)

	decoded, err := DecodeDCTAdvertisement(data)
	require.NoError(t, err)
	assert.Equal(t, adv, decoded)
}

func TestEncodeDCTAdvertisement_Validation(t *testing.T) {
	base := DCTAdvertisement{PSM: 1, DeviceName: "d"}

	t.Run("psm zero rejected", func(t *testing.T) {
		bad := base
		bad.PSM = 0
		_, err := EncodeDCTAdvertisement(bad)
		require.Error(t, err)
	})

	t.Run("dedup high bit rejected", func(t *testing.T) {
		bad := base
		bad.Dedup = 0x81
		_, err := EncodeDCTAdvertisement(bad)
		require.Error(t, err)
	})

	t.Run("empty device name rejected", func(t *testing.T) {
		bad := base
		bad.DeviceName = ""
		_, err := EncodeDCTAdvertisement(bad)
		require.Error(t, err)
	})

	t.Run("invalid utf8 rejected", func(t *testing.T) {
		bad := base
		bad.DeviceName = "device\xff"
		_, err := EncodeDCTAdvertisement(bad)
		require.Error(t, err)
	})
}

func TestEncodeDCTAdvertisement_TruncatesDeviceName(t *testing.T) {
	adv := DCTAdvertisement{PSM: 1, DeviceName: "abcdefghi"}
	data, err := EncodeDCTAdvertisement(adv)
	require.NoError(t, err)

	decoded, err := DecodeDCTAdvertisement(data)
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", decoded.DeviceName)
}

func TestTruncateUTF8_NeverSplitsACodepoint(t *testing.T) {
	// "café" has a 2-byte trailing codepoint (é); a max of 4
	// bytes must drop the whole codepoint rather than split it.
	name := "café"
	got := truncateUTF8(name, 4)
	assert.Equal(t, "caf", got)
	assert.LessOrEqual(t, len(got), 4)
}

func TestComputeServiceIDHash_Deterministic(t *testing.T) {
	h1 := ComputeServiceIDHash("service_id")
	h2 := ComputeServiceIDHash("service_id")
	assert.Equal(t, h1, h2)

	h3 := ComputeServiceIDHash("other_service")
	assert.NotEqual(t, h1, h3)
}

func TestGenerateDeviceToken_Deterministic(t *testing.T) {
	tok1 := GenerateDeviceToken("device")
	tok2 := GenerateDeviceToken("device")
	assert.Equal(t, tok1, tok2)
	assert.Len(t, tok1, dctDeviceTokenLen)
}

func TestGenerateEndpointID(t *testing.T) {
	t.Run("deterministic and 4 chars from the alphabet", func(t *testing.T) {
		id1, err := GenerateEndpointID(1, "device")
		require.NoError(t, err)
		id2, err := GenerateEndpointID(1, "device")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
		assert.Len(t, id1, 4)
		for _, r := range id1 {
			assert.Contains(t, dctEndpointIDAlphabet, string(r))
		}
	})

	t.Run("different dedup yields different id", func(t *testing.T) {
		id1, err := GenerateEndpointID(1, "device")
		require.NoError(t, err)
		id2, err := GenerateEndpointID(2, "device")
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
	})

	t.Run("rejects high-bit dedup", func(t *testing.T) {
		_, err := GenerateEndpointID(0xff, "device")
		require.Error(t, err)
	})

	t.Run("rejects empty device name", func(t *testing.T) {
		_, err := GenerateEndpointID(1, "")
		require.Error(t, err)
	})

	t.Run("rejects invalid utf8", func(t *testing.T) {
		_, err := GenerateEndpointID(1, "device\xff")
		require.Error(t, err)
	})
}

func TestDecodeDCTAdvertisement_NeverPanics(t *testing.T) {
	for n := 0; n < 12; n++ {
		assert.NotPanics(t, func() {
			_, _ = DecodeDCTAdvertisement(make([]byte, n))
		})
	}
}
