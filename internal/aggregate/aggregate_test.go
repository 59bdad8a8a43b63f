package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multivenue/obagg/internal/book"
	"github.com/multivenue/obagg/internal/price"
	"github.com/multivenue/obagg/internal/venue"
)

func testVenues(t *testing.T) (venue.Venue, venue.Venue, venue.Venue) {
	t.Helper()
	r := venue.NewRegistry()
	binance, err := r.Register("BinanceSpot", venue.USDT)
	require.NoError(t, err)
	okx, err := r.Register("OKX", venue.USDT)
	require.NoError(t, err)
	coinm, err := r.Register("BinanceCoinM", venue.USD)
	require.NoError(t, err)
	return binance, okx, coinm
}

func TestTwoVenuesSameLevelSum(t *testing.T) {
	binance, okx, _ := testVenues(t)
	agg := New(2)

	agg.UpdateLevel(binance, book.Bid, 100.00, 1.0)
	agg.UpdateLevel(okx, book.Bid, 100.00, 2.0)

	bids, _ := agg.Depth(1)
	require.Len(t, bids, 1)
	assert.Equal(t, price.Key(10000), bids[0].Key)
	assert.InDelta(t, 3.0, bids[0].Total, 1e-12)

	sources := bids[0].Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, "BinanceSpot", sources[0].Venue.Name())
	assert.InDelta(t, 1.0, sources[0].Size, 1e-12)
	assert.Equal(t, "OKX", sources[1].Venue.Name())
	assert.InDelta(t, 2.0, sources[1].Size, 1e-12)
}

func TestUSDVenueProjectsThroughRate(t *testing.T) {
	_, okx, coinm := testVenues(t)
	agg := New(2)

	invalidated, err := agg.SetUSDTRate(0.99)
	require.NoError(t, err)
	assert.True(t, invalidated)

	// 100.00 USD at 0.99 lands on the same normalized key as 99.00 USDT.
	agg.UpdateLevel(coinm, book.Bid, 100.00, 1.5)
	agg.UpdateLevel(okx, book.Bid, 99.00, 2.5)

	bids, _ := agg.Depth(2)
	require.Len(t, bids, 1)
	assert.Equal(t, price.Key(9900), bids[0].Key)
	assert.InDelta(t, 4.0, bids[0].Total, 1e-12)
	require.Len(t, bids[0].Sources(), 2)
}

func TestRateChangeClearsAndSeparatesLevels(t *testing.T) {
	_, okx, coinm := testVenues(t)
	agg := New(2)

	_, err := agg.SetUSDTRate(0.99)
	require.NoError(t, err)
	agg.UpdateLevel(coinm, book.Bid, 100.00, 1.5)
	agg.UpdateLevel(okx, book.Bid, 99.00, 2.5)

	invalidated, err := agg.SetUSDTRate(1.01)
	require.NoError(t, err)
	require.True(t, invalidated)

	nb, na := agg.Len()
	assert.Zero(t, nb)
	assert.Zero(t, na)

	// Re-projection after the rate change lands the two venues on
	// separate keys: 100.00 * 1.01 vs 99.00.
	agg.UpdateLevel(coinm, book.Bid, 100.00, 1.5)
	agg.UpdateLevel(okx, book.Bid, 99.00, 2.5)

	bids, _ := agg.Depth(2)
	require.Len(t, bids, 2)
	assert.Equal(t, price.Key(10100), bids[0].Key)
	require.Len(t, bids[0].Sources(), 1)
	assert.Equal(t, "BinanceCoinM", bids[0].Sources()[0].Venue.Name())
	assert.Equal(t, price.Key(9900), bids[1].Key)
	require.Len(t, bids[1].Sources(), 1)
	assert.Equal(t, "OKX", bids[1].Sources()[0].Venue.Name())
}

func TestTinyRateMoveIsIgnored(t *testing.T) {
	binance, _, _ := testVenues(t)
	agg := New(2)
	agg.UpdateLevel(binance, book.Ask, 101.00, 1.0)

	invalidated, err := agg.SetUSDTRate(1.0 + 1e-12)
	require.NoError(t, err)
	assert.False(t, invalidated)

	_, na := agg.Len()
	assert.Equal(t, 1, na)
}

func TestNonPositiveRateRejected(t *testing.T) {
	agg := New(2)
	_, err := agg.SetUSDTRate(0)
	assert.Error(t, err)
	_, err = agg.SetUSDTRate(-1)
	assert.Error(t, err)
	assert.InDelta(t, 1.0, agg.USDTRate(), 0)
}

func TestZeroSizeRemovesSourceAndPrunesLevel(t *testing.T) {
	binance, okx, _ := testVenues(t)
	agg := New(2)

	agg.UpdateLevel(binance, book.Bid, 100.00, 1.0)
	agg.UpdateLevel(okx, book.Bid, 100.00, 2.0)

	agg.UpdateLevel(binance, book.Bid, 100.00, 0)
	bids, _ := agg.Depth(1)
	require.Len(t, bids, 1)
	assert.InDelta(t, 2.0, bids[0].Total, 1e-12)
	require.Len(t, bids[0].Sources(), 1)

	// Last source gone, level gone.
	agg.UpdateLevel(okx, book.Bid, 100.00, 0)
	nb, _ := agg.Len()
	assert.Zero(t, nb)
}

func TestZeroSizeOnAbsentLevelIsNoop(t *testing.T) {
	binance, _, _ := testVenues(t)
	agg := New(2)
	agg.UpdateLevel(binance, book.Ask, 105.00, 0)
	nb, na := agg.Len()
	assert.Zero(t, nb)
	assert.Zero(t, na)
}

func TestTotalAlwaysMatchesSourceSum(t *testing.T) {
	binance, okx, coinm := testVenues(t)
	agg := New(2)
	_, err := agg.SetUSDTRate(0.9987)
	require.NoError(t, err)

	steps := []struct {
		v    venue.Venue
		side book.Side
		p    float64
		size float64
	}{
		{binance, book.Bid, 100.00, 1.0},
		{okx, book.Bid, 100.00, 2.0},
		{coinm, book.Bid, 100.13, 0.7},
		{binance, book.Bid, 100.00, 0.4},
		{okx, book.Bid, 100.00, 0},
		{binance, book.Ask, 100.50, 3.0},
		{coinm, book.Ask, 100.63, 1.1},
	}
	for _, s := range steps {
		agg.UpdateLevel(s.v, s.side, s.p, s.size)
		bids, asks := agg.Depth(100)
		for _, lvl := range append(bids, asks...) {
			sum := 0.0
			for _, src := range lvl.Sources() {
				assert.Greater(t, src.Size, 0.0)
				sum += src.Size
			}
			assert.InDelta(t, sum, lvl.Total, 1e-12)
			assert.Greater(t, lvl.Total, 0.0)
		}
	}
}

func TestReplaceFromVenue(t *testing.T) {
	binance, okx, _ := testVenues(t)
	agg := New(2)

	vb := book.New(2)
	require.NoError(t, vb.ApplySnapshot(
		[]book.Level{
			{Price: price.Encode(100.00, 2, 1), Size: 1.0},
			{Price: price.Encode(99.50, 2, 1), Size: 2.0},
		},
		[]book.Level{
			{Price: price.Encode(101.00, 2, 1), Size: 1.5},
		},
		10,
	))
	agg.ReplaceFromVenue(binance, vb)
	agg.UpdateLevel(okx, book.Bid, 100.00, 5.0)

	bid, ask, ok := agg.BestBidAsk()
	require.True(t, ok)
	assert.Equal(t, price.Key(10000), bid.Key)
	assert.InDelta(t, 6.0, bid.Total, 1e-12)
	assert.Equal(t, price.Key(10100), ask.Key)
	assert.InDelta(t, 1.5, ask.Total, 1e-12)

	// Replacing with the venue's new state drops stale levels but
	// leaves other venues' contributions alone.
	vb2 := book.New(2)
	require.NoError(t, vb2.ApplySnapshot(
		[]book.Level{{Price: price.Encode(99.75, 2, 1), Size: 4.0}},
		nil,
		20,
	))
	agg.ReplaceFromVenue(binance, vb2)

	bids, asks := agg.Depth(10)
	require.Len(t, bids, 2)
	assert.Equal(t, price.Key(10000), bids[0].Key)
	assert.InDelta(t, 5.0, bids[0].Total, 1e-12)
	assert.Equal(t, price.Key(9975), bids[1].Key)
	assert.InDelta(t, 4.0, bids[1].Total, 1e-12)
	assert.Empty(t, asks)
}

func TestReplaceFromVenueNilDropsContribution(t *testing.T) {
	binance, okx, _ := testVenues(t)
	agg := New(2)
	agg.UpdateLevel(binance, book.Bid, 100.00, 1.0)
	agg.UpdateLevel(okx, book.Bid, 100.00, 2.0)

	agg.ReplaceFromVenue(binance, nil)

	bids, _ := agg.Depth(1)
	require.Len(t, bids, 1)
	assert.InDelta(t, 2.0, bids[0].Total, 1e-12)
	assert.Equal(t, "OKX", bids[0].Sources()[0].Venue.Name())
}

func TestVolumeFromVenue(t *testing.T) {
	binance, okx, coinm := testVenues(t)
	agg := New(2)
	_, err := agg.SetUSDTRate(0.99)
	require.NoError(t, err)

	agg.UpdateLevel(coinm, book.Bid, 100.00, 1.5)
	agg.UpdateLevel(okx, book.Bid, 99.00, 2.5)

	// Queried at each venue's own raw price.
	assert.InDelta(t, 1.5, agg.VolumeFromVenue(coinm, book.Bid, 100.00), 1e-12)
	assert.InDelta(t, 2.5, agg.VolumeFromVenue(okx, book.Bid, 99.00), 1e-12)
	assert.Zero(t, agg.VolumeFromVenue(binance, book.Bid, 99.00))
	assert.Zero(t, agg.VolumeFromVenue(okx, book.Bid, 42.00))
}

func TestBestBidAskRequiresBothSides(t *testing.T) {
	binance, _, _ := testVenues(t)
	agg := New(2)
	_, _, ok := agg.BestBidAsk()
	assert.False(t, ok)

	agg.UpdateLevel(binance, book.Bid, 100.00, 1.0)
	_, _, ok = agg.BestBidAsk()
	assert.False(t, ok)

	agg.UpdateLevel(binance, book.Ask, 101.00, 1.0)
	bid, ask, ok := agg.BestBidAsk()
	require.True(t, ok)
	assert.Equal(t, price.Key(10000), bid.Key)
	assert.Equal(t, price.Key(10100), ask.Key)
}

func TestBestBidAskPricesByVenueInverseProjection(t *testing.T) {
	binance, _, coinm := testVenues(t)
	agg := New(2)
	_, err := agg.SetUSDTRate(0.99)
	require.NoError(t, err)

	agg.UpdateLevel(coinm, book.Bid, 100.00, 1.0)
	agg.UpdateLevel(binance, book.Ask, 99.99, 1.0)

	bidUSDT, askUSDT, ok := agg.BestBidAskPrices()
	require.True(t, ok)
	assert.InDelta(t, 99.00, bidUSDT, 1e-9)
	assert.InDelta(t, 99.99, askUSDT, 1e-9)

	bidUSD, _, ok := agg.BestBidAskPricesByVenue(coinm)
	require.True(t, ok)
	assert.InDelta(t, 100.00, bidUSD, 1e-9)
}
