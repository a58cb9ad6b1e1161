package email

import (
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// Providers whose mailboxes ignore dots in the local part.
var dotInsensitiveDomains = map[string]string{
	"gmail.com":      "gmail.com",
	"googlemail.com": "gmail.com",
}

// Canonical returns the normalised form of address used to match
// duplicate and banned accounts. Tags ("+..."), case and provider specific
// aliases are folded away. An empty or unparsable address yields "".
func Canonical(address string) string {
	address = strings.TrimSpace(norm.NFKC.String(address))
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}

	local := strings.ToLower(address[:at])
	domain := strings.ToLower(address[at+1:])
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		domain = ascii
	}

	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}

	if alias, ok := dotInsensitiveDomains[domain]; ok {
		domain = alias
		local = strings.ReplaceAll(local, ".", "")
	}

	return local + "@" + domain
}

// Valid performs a syntactic check; it does not contact the domain.
func Valid(address string) bool {
	if address == "" {
		return false
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return false
	}
	domain := address[strings.LastIndex(address, "@")+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
