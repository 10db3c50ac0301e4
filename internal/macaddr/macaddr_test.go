package macaddr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_SeparatorAgnostic(t *testing.T) {
	inputs := []string{
		"09:12:AB:34:00:09",
		"0912.AB34.0009",
		"09-12-AB-34-00-09",
		"0912AB340009",
		"091 2AB 340 009",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			mac, err := Normalize(in)
			require.NoError(t, err)
			assert.Equal(t, "0912ab340009", mac)

			again, err := Normalize(mac)
			require.NoError(t, err)
			assert.Equal(t, mac, again, "normalize must be idempotent")
		})
	}
}

func TestNormalize_Homoglyphs(t *testing.T) {
	// Cyrillic а, В, с, е, О in MAC positions
	mac, err := Normalize("0912аВ34се0О")
	require.NoError(t, err)
	assert.Equal(t, "0912ab34ce00", mac)

	mac, err = Normalize("0912AO340009")
	require.NoError(t, err)
	assert.Equal(t, "0912a0340009", mac)
}

func TestNormalize_Invalid(t *testing.T) {
	for _, in := range []string{"", "0912.AG34.0009", "0912ab34000", "0912ab3400099"} {
		_, err := Normalize(in)
		assert.True(t, errors.Is(err, ErrInvalid), "input %q", in)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"four dotted", "Some message 0912.AB34.0009 for test", "0912ab340009"},
		{"no separators", "Some message 0912AB340009 for test", "0912ab340009"},
		{"two dotted", "Some message 09.12.AB.34.00.09 for test", "0912ab340009"},
		{"two colons", "Some message 09:12:AB:34:00:09 for test", "0912ab340009"},
		{"two dashes", "Some message 09-12-AB-34-00-09 for test", "0912ab340009"},
		{"two spaces", "Some message 09 12 AB 34 00 09 for test", "0912ab340009"},
		{"four colons", "Some message 0912:AB34:0009 for test", "0912ab340009"},
		{"four dashes", "Some message 0912-AB34-0009 for test", "0912ab340009"},
		{"four spaces", "Some message 0912 AB34 0009 for test", "0912ab340009"},
		{"three dots", "Some message 091.2AB.340.009 for test", "0912ab340009"},
		{"three colons", "Some message 091:2AB:340:009 for test", "0912ab340009"},
		{"three dashes", "Some message 091-2AB-340-009 for test", "0912ab340009"},
		{"three spaces", "Some message 091 2AB 340 009 for test", "0912ab340009"},
		{"cyrillic a", "Some message 0912аb340009 for test", "0912ab340009"},
		{"cyrillic Ve", "Some message 0912AВ340009 for test", "0912ab340009"},
		{"cyrillic es", "Some message 0912aс340009 for test", "0912ac340009"},
		{"cyrillic O", "Some message 0912AО340009 for test", "0912a0340009"},
		{"cyrillic E", "Some message 0912AЕ340009 for test", "0912ae340009"},
		{"latin O", "Some message 0912AO340009 for test", "0912a0340009"},
		{"start of text", "0912.AB34.0009 please", "0912ab340009"},
		{"end of text", "please fix\r\n0912.AB34.0009", "0912ab340009"},
		{"same MAC twice", "0912.AB34.0009 and again 09:12:ab:34:00:09", "0912ab340009"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mac, err := Extract(tt.message)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mac)
		})
	}
}

func TestExtract_NotFound(t *testing.T) {
	for _, msg := range []string{
		"Some message for test",
		"Some message 0912.AG34.0009 for test",
		"glued0912AB340009 text",
	} {
		_, err := Extract(msg)
		assert.True(t, errors.Is(err, ErrNotFound), "message %q", msg)
	}
}

func TestExtract_TooMany(t *testing.T) {
	_, err := Extract("Some message 0912.AB34.0009 4516.ab87.ea90 for test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooMany))
	assert.Contains(t, err.Error(), "4516ab87ea90")
}

func TestFindAll_AdjacentTokens(t *testing.T) {
	found := FindAll("0912.AB34.0009 4516.ab87.ea90 0000.1111.2222")
	assert.Equal(t, []string{"0912ab340009", "4516ab87ea90", "000011112222"}, found)
}

func TestRenderings(t *testing.T) {
	assert.Equal(t, "4516.ab87.ea90", Dotted("4516ab87ea90"))
	assert.Equal(t, "4516-ab87-ea90", Dashed("4516ab87ea90"))
	assert.Equal(t, "short", Dotted("short"))
}
