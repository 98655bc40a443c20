package csvexport

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestExporterWritesSeries(t *testing.T) {
	e := New("export", t.TempDir())
	rec := &domain.Record{
		Unit: domain.ExchangeUnit{Measure: domain.Measure{SeriesID: "Shasta/Temp:1"}},
		Series: &domain.RawSeries{
			Times: []time.Time{t0, t0.Add(time.Hour)},
			Constituents: []domain.ProfileConstituent{
				{Parameter: "Temperature", Unit: "F", Values: []float64{50.5, math.NaN()}},
			},
		},
	}
	d := domain.DestinationDescriptor{ExchangeSet: "shasta temps"}

	require.NoError(t, e.Write(context.Background(), rec, d))

	assert.Contains(t, e.PathFor(d, "Shasta/Temp:1"), "shasta_temps")
	rows, err := e.Read(d, "Shasta/Temp:1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"timestamp", "Temperature (F)"},
		{"2024-05-01T12:00:00Z", "50.5"},
		{"2024-05-01T13:00:00Z", "NaN"},
	}, rows)
}

func TestExporterWritesProfiles(t *testing.T) {
	e := New("", t.TempDir())
	rec := &domain.Record{
		Unit: domain.ExchangeUnit{Measure: domain.Measure{SeriesID: "p1", Kind: domain.KindProfile}},
		Profiles: []domain.ProfileSample{
			{Timestamp: t0, Constituents: []domain.ProfileConstituent{
				{Parameter: "Depth", Unit: "m", Values: []float64{1, 2}},
				{Parameter: "Temperature", Unit: "C", Values: []float64{10, 9}},
			}},
			{Timestamp: t0.Add(time.Hour), Constituents: []domain.ProfileConstituent{
				{Parameter: "Depth", Unit: "m", Values: []float64{1}},
				{Parameter: "Temperature", Unit: "C", Values: []float64{11}},
			}},
		},
	}
	d := domain.DestinationDescriptor{ExchangeSet: "set"}

	require.NoError(t, e.Write(context.Background(), rec, d))

	rows, err := e.Read(d, "p1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"timestamp", "index", "Depth (m)", "Temperature (C)"},
		{"2024-05-01T12:00:00Z", "0", "1", "10"},
		{"2024-05-01T12:00:00Z", "1", "2", "9"},
		{"2024-05-01T13:00:00Z", "0", "1", "11"},
	}, rows)
}

func TestExporterRejectsMisalignedSeries(t *testing.T) {
	e := New("export", t.TempDir())
	rec := &domain.Record{
		Unit: domain.ExchangeUnit{Measure: domain.Measure{SeriesID: "bad"}},
		Series: &domain.RawSeries{
			Times:        []time.Time{t0, t0.Add(time.Hour)},
			Constituents: []domain.ProfileConstituent{{Parameter: "Flow", Values: []float64{1}}},
		},
	}

	err := e.Write(context.Background(), rec, domain.DestinationDescriptor{ExchangeSet: "set"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDestinationWrite))

	var we *domain.WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, CodeLayout, we.Code)

	_, err = e.Read(domain.DestinationDescriptor{ExchangeSet: "set"}, "bad")
	assert.ErrorIs(t, err, ErrNotExported)
}
