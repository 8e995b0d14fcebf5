package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChamber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HR", "hr"},
		{"hr", "hr"},
		{"House", "house"},
		{"HOUSE OF REPRESENTATIVES", "house"},
		{"h", "house"},
		{"S", "s"},
		{"sen", "s"},
		{"Senate", "senate"},
		{" senate ", "senate"},
		{"sres", "sres"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeChamber(tt.in))
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Run("iso_date", func(t *testing.T) {
		ts := ParseDate("2023-01-09")
		require.NotNil(t, ts)
		assert.Equal(t, time.Date(2023, 1, 9, 0, 0, 0, 0, time.UTC), *ts)
	})

	t.Run("rfc3339", func(t *testing.T) {
		ts := ParseDate("2023-01-09T14:30:00Z")
		require.NotNil(t, ts)
		assert.Equal(t, time.Date(2023, 1, 9, 14, 30, 0, 0, time.UTC), *ts)
	})

	t.Run("datetime_without_zone", func(t *testing.T) {
		ts := ParseDate("2023-01-09T14:30:00")
		require.NotNil(t, ts)
		assert.Equal(t, time.Date(2023, 1, 9, 14, 30, 0, 0, time.UTC), *ts)
	})

	t.Run("other_forms_yield_nil", func(t *testing.T) {
		assert.Nil(t, ParseDate("January 9, 2023"))
		assert.Nil(t, ParseDate("09/01/2023"))
		assert.Nil(t, ParseDate(""))
		assert.Nil(t, ParseDate("  "))
	})
}

func TestStringPtr(t *testing.T) {
	assert.Nil(t, StringPtr(""))
	assert.Nil(t, StringPtr("   "))

	p := StringPtr(" Rep. Doe ")
	require.NotNil(t, p)
	assert.Equal(t, "Rep. Doe", *p)
}

func TestNaturalKeys(t *testing.T) {
	b := Bill{Congress: 118, Chamber: "hr", BillNumber: "1234"}
	assert.Equal(t, "118/hr/1234", b.NaturalKey())

	v := Vote{Congress: 118, Chamber: "house", VoteID: "2023-17"}
	assert.Equal(t, "118/house/2023-17", v.NaturalKey())
}
