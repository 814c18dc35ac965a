package email

import "strings"

// MaskEmail hides most of the local part and domain of an address:
// "frodo.baggins@shire.org" becomes "f***s@s***e.org".
func MaskEmail(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "***"
	}
	local, domain := address[:at], address[at+1:]

	maskedDomain := "***"
	if dot := strings.LastIndex(domain, "."); dot > 0 {
		maskedDomain = maskPart(domain[:dot]) + domain[dot:]
	}
	return maskPart(local) + "@" + maskedDomain
}

func maskPart(s string) string {
	switch len(s) {
	case 0:
		return ""
	case 1, 2:
		return s[:1] + "***"
	default:
		return s[:1] + "***" + s[len(s)-1:]
	}
}
