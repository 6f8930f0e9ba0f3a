package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Scheme is the URI scheme of a bunker pointer.
const Scheme = "bunker"

// Pointer says how to reach a remote signer.
type Pointer struct {
	// RemotePubkey is the signer's hex public key.
	RemotePubkey string
	// Relays is the ordered, de-duplicated relay set.
	Relays []string
	// Secret is an optional one-time connection secret.
	Secret string
}

// Errors returned by ParsePointer and ResolvePointer.
var (
	ErrInvalidPointer = errors.New("Invalid bunker URI")
	ErrNoRelays       = errors.New("No relays in bunker URI")
	ErrUnresolved     = errors.New("Could not resolve bunker address")
)

// Resolver looks up a NIP-05 identifier and returns the hex public key it
// names together with the relays its domain lists for that key under nip46.
type Resolver func(ctx context.Context, identifier string) (pubkey string, relays []string, err error)

var nip05Pattern = regexp.MustCompile(`^(?:[\w.+-]+@)?[\w-]+(?:\.[\w-]+)+$`)

// IsNIP05 reports whether s looks like a "name@domain" (or bare domain)
// identifier rather than a URI.
func IsNIP05(s string) bool {
	return nip05Pattern.MatchString(strings.TrimSpace(s))
}

// ResolvePointer accepts either a bunker URI or a NIP-05 identifier. The
// latter is looked up with resolve and carries no secret. A nil resolve
// rejects identifiers.
func ResolvePointer(ctx context.Context, raw string, resolve Resolver) (Pointer, error) {
	raw = strings.TrimSpace(raw)
	if !IsNIP05(raw) {
		return ParsePointer(raw)
	}
	if resolve == nil {
		return Pointer{}, fmt.Errorf("%w: NIP-05 lookup is not available", ErrInvalidPointer)
	}

	pk, relays, err := resolve(ctx, strings.ToLower(raw))
	if err != nil {
		return Pointer{}, fmt.Errorf("%w: %s: %w", ErrUnresolved, raw, err)
	}
	pk = strings.ToLower(pk)
	if !isHexKey(pk) {
		return Pointer{}, fmt.Errorf("%w: %s names no valid public key", ErrUnresolved, raw)
	}
	relays, err = normalizeRelays(relays)
	if err != nil {
		return Pointer{}, err
	}
	if len(relays) == 0 {
		return Pointer{}, fmt.Errorf("%w: %s lists no nip46 relays", ErrNoRelays, raw)
	}
	return Pointer{RemotePubkey: pk, Relays: relays}, nil
}

// ParsePointer parses bunker://<hex-pubkey>?relay=wss://...&secret=...
func ParsePointer(raw string) (Pointer, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != Scheme {
		return Pointer{}, ErrInvalidPointer
	}

	// bunker://<pubkey> puts the key in Host; bunker:<pubkey> in Opaque.
	pk := u.Host
	if pk == "" {
		pk = strings.TrimPrefix(u.Opaque, "//")
	}
	pk = strings.ToLower(pk)
	if !isHexKey(pk) {
		return Pointer{}, fmt.Errorf("%w: remote public key must be 64 hex characters", ErrInvalidPointer)
	}

	q := u.Query()
	relays, err := normalizeRelays(q["relay"])
	if err != nil {
		return Pointer{}, err
	}
	if len(relays) == 0 {
		return Pointer{}, ErrNoRelays
	}

	return Pointer{RemotePubkey: pk, Relays: relays, Secret: q.Get("secret")}, nil
}

// String renders p as a bunker URI, including the secret.
func (p Pointer) String() string {
	q := url.Values{}
	for _, r := range p.Relays {
		q.Add("relay", r)
	}
	if p.Secret != "" {
		q.Set("secret", p.Secret)
	}
	return (&url.URL{Scheme: Scheme, Host: p.RemotePubkey, RawQuery: q.Encode()}).String()
}

// Redacted renders p with the secret masked, for logs.
func (p Pointer) Redacted() string {
	if p.Secret == "" {
		return p.String()
	}
	c := p
	c.Secret = "xxxxx"
	return c.String()
}

func normalizeRelays(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		ru, err := url.Parse(r)
		if err != nil || (ru.Scheme != "wss" && ru.Scheme != "ws") || ru.Host == "" {
			return nil, fmt.Errorf("%w: bad relay %q", ErrInvalidPointer, r)
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
