// Package phone turns the phone numbers stored on dispatch records into
// WhatsApp chat ids.
//
// Classification and address construction are two independent rule sets.
// They disagree for some inputs: a "+" number shorter than 10 or longer
// than 12 characters still builds an address but classifies as malformed.
// The classification always decides.
package phone

import (
	"strings"
	"unicode/utf8"
)

const (
	CountryCode = "55"
	ChatSuffix  = "@c.us"
)

// Tag is the address classification. Values match the store contract.
type Tag string

const (
	TagOK        Tag = "Ok"
	TagMalformed Tag = "erro_formato"
	TagNull      Tag = "erro_nulo"
)

// Address holds either a chat id or an error tag, never both.
type Address struct {
	JID string
	Tag Tag
}

func (a Address) Valid() bool { return a.Tag == TagOK && a.JID != "" }

// Normalize is total: every input, including nil, yields an Address.
func Normalize(raw *string) Address {
	tag := Classify(raw)
	if tag != TagOK {
		return Address{Tag: tag}
	}
	jid := chatID(*raw)
	if jid == "" {
		return Address{Tag: TagMalformed}
	}
	return Address{JID: jid, Tag: TagOK}
}

// Classify applies the error rules in order; the first match wins.
// An empty string counts as missing.
func Classify(raw *string) Tag {
	if raw == nil || *raw == "" {
		return TagNull
	}
	n := utf8.RuneCountInString(*raw)
	switch {
	case n >= 1 && n <= 9:
		return TagMalformed
	case n == 12 && strings.HasPrefix(*raw, "+"):
		return TagOK
	case n != 10 && n != 11 && n != 12:
		return TagMalformed
	}
	return TagOK
}

func chatID(raw string) string {
	r := []rune(raw)
	switch {
	case len(r) == 0:
		return ""
	case r[0] == '+':
		// drop the sign, keep at most the next 11 characters
		end := min(len(r), 12)
		return CountryCode + string(r[1:end]) + ChatSuffix
	case len(r) > 11:
		return raw + ChatSuffix
	case len(r) == 11:
		// area code, then skip the trunk digit
		return CountryCode + string(r[0:2]) + string(r[3:11]) + ChatSuffix
	case len(r) == 10:
		return CountryCode + string(r[0:2]) + string(r[2:10]) + ChatSuffix
	}
	return ""
}

// Display strips the chat suffix for log output.
func Display(jid string) string {
	return strings.TrimSuffix(jid, ChatSuffix)
}
