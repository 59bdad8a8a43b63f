package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	v1, err := r.Register("BinanceSpot", USDT)
	require.NoError(t, err)
	assert.Equal(t, ID(0), v1.ID())

	v2, err := r.Register("OKX", USDT)
	require.NoError(t, err)
	assert.Equal(t, ID(1), v2.ID())

	found, ok := r.Lookup("OKX")
	require.True(t, ok)
	assert.True(t, found.Equal(v2))

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("Kraken", USD)
	require.NoError(t, err)

	_, err = r.Register("Kraken", USDT)
	assert.Error(t, err)
}

func TestRegistryRejectsOverCapacity(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxVenues; i++ {
		_, err := r.Register(string(rune('A'+i)), USDT)
		require.NoError(t, err)
	}
	_, err := r.Register("overflow", USDT)
	assert.Error(t, err)
}

func TestVenueEqualityDerivesFromName(t *testing.T) {
	a := Venue{id: 0, name: "BinanceSpot", quoteKind: USDT}
	b := Venue{id: 5, name: "BinanceSpot", quoteKind: USD}
	assert.True(t, a.Equal(b), "venues with the same name are interchangeable")
}

func TestQuoteKindString(t *testing.T) {
	assert.Equal(t, "USD", USD.String())
	assert.Equal(t, "USDT", USDT.String())
}
