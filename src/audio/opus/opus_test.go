package opus

import (
	"testing"

	"personal/discordie_go/src/audio"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSilence(t *testing.T) {
	enc, err := Factory(audio.DefaultSampleRate, audio.DefaultChannels)
	require.NoError(t, err)

	packet, err := enc.Encode(make([]int16, 960*2), 960)
	require.NoError(t, err)
	assert.NotEmpty(t, packet)
	assert.Equal(t, 960, audio.OpusPacketSamples(packet))
}

func TestSetBitrateRange(t *testing.T) {
	enc, err := NewEncoder(audio.DefaultSampleRate, audio.DefaultChannels)
	require.NoError(t, err)

	assert.NoError(t, enc.SetBitrate(64000))
	assert.Error(t, enc.SetBitrate(10))
	assert.Error(t, enc.SetBitrate(1_000_000))
}
