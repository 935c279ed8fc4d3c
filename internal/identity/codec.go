// Package identity encodes chat identities into VPN key names and back.
//
// A key name has the form "<token> - <display name>", where token is "@handle" when the
// identity has a handle and "id<opaque id>" otherwise. The remote key store has no owner
// field, so this name is the only link between a key and a person. Nothing outside this
// package should parse key names.
package identity

import (
	"strconv"
	"strings"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/model"
)

const (
	separator   = " - "
	handleMark  = "@"
	opaqueIDTag = "id"
)

// Token returns the primary token of an identity: "@handle" or "id<N>".
func Token(id model.Identity) string {
	if id.Handle != "" {
		return handleMark + id.Handle
	}
	return opaqueIDTag + strconv.FormatInt(id.OpaqueID, 10)
}

// Encode builds the key name for an identity.
func Encode(id model.Identity) string {
	name := Token(id)
	if dn := strings.TrimSpace(id.DisplayName); dn != "" {
		name += separator + dn
	}
	return name
}

// Decode parses a key name. A name with an "id<N>" token yields the opaque id; a name with an
// "@handle" token yields only the handle (OpaqueID stays 0). Anything else is errs.ErrDecode.
func Decode(name string) (model.Identity, error) {
	token, rest, _ := strings.Cut(name, separator)
	var out model.Identity
	switch {
	case strings.HasPrefix(token, handleMark):
		h := token[len(handleMark):]
		if h == "" || strings.ContainsAny(h, " \t") {
			return model.Identity{}, errs.ErrDecode
		}
		out.Handle = h
	case strings.HasPrefix(token, opaqueIDTag):
		digits := token[len(opaqueIDTag):]
		if !allDigits(digits) {
			return model.Identity{}, errs.ErrDecode
		}
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil || n == 0 {
			return model.Identity{}, errs.ErrDecode
		}
		out.OpaqueID = n
	default:
		return model.Identity{}, errs.ErrDecode
	}
	out.DisplayName = strings.TrimSpace(rest)
	return out, nil
}

// Matches reports whether a key name belongs to the identity. The handle token is tried
// first, so a user holding both a handle-named key and a legacy id-named key resolves to the
// handle one. A token only matches as a whole word: "id4" does not match "id42 - ...".
func Matches(name string, id model.Identity) bool {
	if id.Handle != "" && hasToken(name, handleMark+id.Handle) {
		return true
	}
	return id.HasID() && hasToken(name, opaqueIDTag+strconv.FormatInt(id.OpaqueID, 10))
}

func hasToken(name, token string) bool {
	if !strings.HasPrefix(name, token) {
		return false
	}
	rest := name[len(token):]
	return rest == "" || strings.HasPrefix(rest, separator)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Find returns the first key owned by id. A handle-named key wins over an id-named one
// anywhere in the list.
func Find(keys []model.AccessKey, id model.Identity) (model.AccessKey, bool) {
	if id.Handle != "" {
		for _, k := range keys {
			if hasToken(k.Name, handleMark+id.Handle) {
				return k, true
			}
		}
	}
	if id.HasID() {
		tok := opaqueIDTag + strconv.FormatInt(id.OpaqueID, 10)
		for _, k := range keys {
			if hasToken(k.Name, tok) {
				return k, true
			}
		}
	}
	return model.AccessKey{}, false
}
