package refdata

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLoader struct {
	mock.Mock
}

func (m *MockLoader) Load(ctx context.Context, kind Kind, id string) (Entry, error) {
	args := m.Called(ctx, kind, id)
	return args.Get(0).(Entry), args.Error(1)
}

var testConfig = Config{TTL: time.Minute, MissTTL: time.Minute, CleanupInterval: time.Minute, LoadTimeout: time.Second}

func TestLookupCachesHits(t *testing.T) {
	loader := &MockLoader{}
	loader.On("Load", mock.Anything, Facility, "F1").
		Return(Entry{Name: "General Hospital"}, nil).Once()

	c := NewCache(loader, testConfig)
	for i := 0; i < 3; i++ {
		e := c.Lookup(context.Background(), Facility, "F1")
		assert.Equal(t, "General Hospital", e.DisplayName())
		assert.True(t, e.Resolved)
		assert.Equal(t, "F1", e.ID)
	}
	loader.AssertExpectations(t)
}

func TestLookupDegradesToID(t *testing.T) {
	loader := &MockLoader{}
	loader.On("Load", mock.Anything, Payer, "P1").
		Return(Entry{}, errors.New("feed unavailable")).Once()
	loader.On("Load", mock.Anything, Payer, "P2").
		Return(Entry{}, ErrNotFound).Once()

	c := NewCache(loader, testConfig)

	e := c.Lookup(context.Background(), Payer, "P1")
	assert.False(t, e.Resolved)
	assert.Equal(t, "P1", e.DisplayName())

	// the miss is cached, the feed is not hammered
	e = c.Lookup(context.Background(), Payer, "P1")
	assert.Equal(t, "P1", e.DisplayName())

	e = c.Lookup(context.Background(), Payer, "P2")
	assert.Equal(t, "P2", e.DisplayName())
	loader.AssertExpectations(t)

	c.Flush()
	loader.On("Load", mock.Anything, Payer, "P1").Return(Entry{Name: "Acme Health"}, nil).Once()
	assert.Equal(t, "Acme Health", c.Lookup(context.Background(), Payer, "P1").DisplayName())
}

func TestLookupWithoutLoaderOrID(t *testing.T) {
	c := NewCache(nil, testConfig)
	assert.Equal(t, "F1", c.Lookup(context.Background(), Facility, "F1").DisplayName())
	assert.Equal(t, "", c.Lookup(context.Background(), Facility, "").DisplayName())
}

const sampleCSV = `kind,id,name,description
facility, F1,General Hospital,
payer,P1,Acme Health,commercial
denial_code,CO-45,Charge exceeds fee schedule,Contractual obligation
`

func TestReadCSVAndWarm(t *testing.T) {
	loader, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	e, err := loader.Load(context.Background(), DenialCode, "CO-45")
	require.NoError(t, err)
	assert.Equal(t, "Contractual obligation", e.Description)

	_, err = loader.Load(context.Background(), Clinician, "X")
	assert.ErrorIs(t, err, ErrNotFound)

	c := NewCache(loader, testConfig)
	n, err := c.Warm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "General Hospital", c.Lookup(context.Background(), Facility, "F1").DisplayName())
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   string
	}{
		{"empty", "", "header"},
		{"bad header", "a,b,c,d\n", "unexpected reference data header"},
		{"unknown kind", "kind,id,name,description\nward,W1,x,y\n", "unknown reference data kind"},
		{"short record", "kind,id,name,description\nfacility,F1\n", "record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input))
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestWarmNonLister(t *testing.T) {
	c := NewCache(&MockLoader{}, testConfig)
	n, err := c.Warm(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}
