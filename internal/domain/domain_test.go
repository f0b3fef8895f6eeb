package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomBackendID(t *testing.T) {
	t.Run("stable and distinct", func(t *testing.T) {
		assert.Equal(t, RoomID("demo").BackendID(), RoomID("demo").BackendID())
		assert.NotEqual(t, RoomID("demo").BackendID(), RoomID("other").BackendID())
	})

	t.Run("top bit is always clear", func(t *testing.T) {
		for _, id := range []RoomID{"demo", "a", "", "room-with-a-rather-long-name"} {
			assert.Zero(t, id.BackendID()&(1<<63), "room %q", id)
		}
	})
}

func TestEngineConfigCompatible(t *testing.T) {
	base := EngineConfig{Name: "mcu0", Host: "a", Port: 1, User: "u", Password: "p", Vsn: "1.0", Release: "1"}

	t.Run("differing endpoint does not matter", func(t *testing.T) {
		other := base
		other.Host, other.Port = "b", 2
		assert.True(t, base.Compatible(other))
	})

	for _, tc := range []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"version", func(c *EngineConfig) { c.Vsn = "2.0" }},
		{"release", func(c *EngineConfig) { c.Release = "9" }},
		{"user", func(c *EngineConfig) { c.User = "x" }},
		{"password", func(c *EngineConfig) { c.Password = "x" }},
	} {
		t.Run(tc.name+" mismatch is incompatible", func(t *testing.T) {
			other := base
			tc.mutate(&other)
			assert.False(t, base.Compatible(other))
		})
	}
}

func TestMediaTypeSet(t *testing.T) {
	full := NewMediaTypeSet(AllMediaTypes()...)
	require.True(t, full.IsFull())
	assert.Empty(t, full.Complement())

	audio := NewMediaTypeSet(MediaAudio)
	assert.False(t, audio.IsFull())
	assert.Equal(t, []MediaType{MediaVideo, MediaData}, audio.Complement())
}

func TestMediaFlags(t *testing.T) {
	y := true
	f := MediaFlags{Audio: &y}
	require.NotNil(t, f.Flag(MediaAudio))
	assert.True(t, *f.Flag(MediaAudio))
	assert.Nil(t, f.Flag(MediaVideo))
	assert.Nil(t, f.Flag(MediaData))
}
