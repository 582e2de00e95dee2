package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Kind
	}{
		{raw: "light", want: Light},
		{raw: " Torch ", want: Light},
		{raw: "haptic", want: Haptic},
		{raw: "VIBRATION", want: Haptic},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseKind(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("sound")
	assert.Error(t, err)
}

func TestKindAndStateStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "light", Light.String())
	assert.Equal(t, "haptic", Haptic.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
	assert.False(t, Kind(7).Valid())

	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "suspended", Suspended.String())
}
