package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUSDC(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"19.80", 19_800_000},
		{"0.01", 10_000},
		{"20", 20_000_000},
		{"0.000001", 1},
		{"  15.00 ", 15_000_000},
	}
	for _, tc := range cases {
		got, err := parseUSDC(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "-1.00", "+19.80", "1.+2", "1.2345678", "abc", "1.2.3", "0x10"} {
		_, err := parseUSDC(bad)
		require.Error(t, err, bad)
	}
}

func TestFormatUSDC(t *testing.T) {
	require.Equal(t, "19.80", formatUSDC(19_800_000))
	require.Equal(t, "0.00", formatUSDC(0))
	require.Equal(t, "2.50", formatUSDC(2_500_000))
	require.Equal(t, "0.000001", formatUSDC(1))
	require.Equal(t, "-4.80", formatUSDC(-4_800_000))
}

func TestAmountRoundTrip(t *testing.T) {
	for _, in := range []string{"19.80", "0.01", "1234.56", "0.000001"} {
		units, err := parseUSDC(in)
		require.NoError(t, err)
		back, err := parseUSDC(formatUSDC(units))
		require.NoError(t, err)
		require.Equal(t, units, back, in)
	}
}
