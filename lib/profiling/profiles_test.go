package profiling

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-lokinet/go-lokinet/lib/types"
	ltime "github.com/go-lokinet/go-lokinet/lib/util/time"
)

func randomID() (id types.RouterID) {
	types.Randomize(id[:])
	return
}

func TestFreshRouterIsNotBad(t *testing.T) {
	ps := New(ltime.NowMilli)
	assert.False(t, ps.IsBad(randomID()))
}

func TestTimeoutsMarkBad(t *testing.T) {
	ps := New(ltime.NowMilli)
	id := randomID()
	for i := 0; i < 11; i++ {
		ps.MarkConnectTimeout(id)
	}
	assert.True(t, ps.IsBad(id))

	// success buys back trust
	ps.MarkConnectSuccess(id)
	assert.False(t, ps.IsBad(id))
}

func TestPathFailuresMarkBad(t *testing.T) {
	ps := New(ltime.NowMilli)
	id := randomID()
	for i := 0; i < 11; i++ {
		ps.MarkPathFail(id)
	}
	assert.True(t, ps.IsBad(id))
	ps.MarkPathSuccess(id)
	assert.False(t, ps.IsBad(id))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.dat")
	ps := New(ltime.NowMilli)
	bad := randomID()
	good := randomID()
	for i := 0; i < 20; i++ {
		ps.MarkConnectTimeout(bad)
	}
	ps.MarkConnectSuccess(good)
	require.NoError(t, ps.Save(path))

	loaded := New(ltime.NowMilli)
	require.NoError(t, loaded.Load(path))
	assert.True(t, loaded.IsBad(bad))
	assert.False(t, loaded.IsBad(good))
}

func TestLoadMissingFile(t *testing.T) {
	ps := New(ltime.NowMilli)
	assert.NoError(t, ps.Load(filepath.Join(t.TempDir(), "nope.dat")))
}
