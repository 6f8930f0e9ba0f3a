package signer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pk = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestParsePointer(t *testing.T) {
	p, err := ParsePointer("bunker://" + pk + "?relay=wss://relay.one&relay=wss://relay.two&secret=s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, pk, p.RemotePubkey)
	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, p.Relays)
	assert.Equal(t, "s3cr3t", p.Secret)
}

func TestParsePointer_NormalizesAndDedupes(t *testing.T) {
	p, err := ParsePointer("  bunker://" + strings.ToUpper(pk) + "?relay=wss://relay.one&relay=wss://relay.one&relay=  ")
	require.NoError(t, err)
	assert.Equal(t, pk, p.RemotePubkey)
	assert.Equal(t, []string{"wss://relay.one"}, p.Relays)
	assert.Empty(t, p.Secret)
}

func TestParsePointer_Errors(t *testing.T) {
	cases := map[string]error{
		"":                                    ErrInvalidPointer,
		"nostrconnect://" + pk:                ErrInvalidPointer,
		"bunker://nothex?relay=wss://r":       ErrInvalidPointer,
		"bunker://" + pk:                      ErrNoRelays,
		"bunker://" + pk + "?relay=https://r": ErrInvalidPointer,
	}
	for in, want := range cases {
		_, err := ParsePointer(in)
		assert.ErrorIs(t, err, want, in)
	}
}

func TestPointer_StringRoundTrip(t *testing.T) {
	p := Pointer{RemotePubkey: pk, Relays: []string{"wss://relay.one", "wss://relay.two"}, Secret: "abc"}
	back, err := ParsePointer(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, back)

	assert.NotContains(t, p.Redacted(), "abc")
	assert.Contains(t, p.Redacted(), "relay.one")
}

func stubResolver(names map[string]string, relays map[string][]string) (Resolver, *[]string) {
	var asked []string
	return func(_ context.Context, id string) (string, []string, error) {
		asked = append(asked, id)
		pub, ok := names[id]
		if !ok {
			return "", nil, errors.New("name not found")
		}
		return pub, relays[pub], nil
	}, &asked
}

func TestIsNIP05(t *testing.T) {
	assert.True(t, IsNIP05("alice@example.com"))
	assert.True(t, IsNIP05("example.com"))
	assert.True(t, IsNIP05(" a.b+c@sub.example.co.uk "))
	assert.False(t, IsNIP05("bunker://"+pk+"?relay=wss://r"))
	assert.False(t, IsNIP05("alice@localhost"))
	assert.False(t, IsNIP05(""))
}

func TestResolvePointer_NIP05(t *testing.T) {
	resolve, asked := stubResolver(
		map[string]string{"alice@example.com": strings.ToUpper(pk)},
		map[string][]string{strings.ToUpper(pk): {"wss://relay.one", "wss://relay.one", "wss://relay.two"}},
	)

	p, err := ResolvePointer(context.Background(), " Alice@Example.com ", resolve)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, *asked)
	assert.Equal(t, pk, p.RemotePubkey)
	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, p.Relays)
	assert.Empty(t, p.Secret)

	back, err := ParsePointer(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestResolvePointer_BunkerURIBypassesResolver(t *testing.T) {
	resolve, asked := stubResolver(nil, nil)
	p, err := ResolvePointer(context.Background(), "bunker://"+pk+"?relay=wss://relay.one&secret=s", resolve)
	require.NoError(t, err)
	assert.Equal(t, "s", p.Secret)
	assert.Empty(t, *asked)
}

func TestResolvePointer_Errors(t *testing.T) {
	ctx := context.Background()
	resolve, _ := stubResolver(
		map[string]string{
			"norelays@example.com": pk,
			"badkey@example.com":   "nothex",
			"badrelay@example.com": "b" + pk[1:],
		},
		map[string][]string{"b" + pk[1:]: {"https://relay.one"}},
	)

	_, err := ResolvePointer(ctx, "ghost@example.com", resolve)
	assert.ErrorIs(t, err, ErrUnresolved)
	_, err = ResolvePointer(ctx, "badkey@example.com", resolve)
	assert.ErrorIs(t, err, ErrUnresolved)
	_, err = ResolvePointer(ctx, "norelays@example.com", resolve)
	assert.ErrorIs(t, err, ErrNoRelays)
	_, err = ResolvePointer(ctx, "badrelay@example.com", resolve)
	assert.ErrorIs(t, err, ErrInvalidPointer)
	_, err = ResolvePointer(ctx, "alice@example.com", nil)
	assert.ErrorIs(t, err, ErrInvalidPointer)
}
