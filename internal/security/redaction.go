package security

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	secretKeyExpr        = `(?:password|passwd|pwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	userinfoPattern      = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)([^\s/@:]+):[^\s/@]*@`)
)

// RedactURL drops the password from a stream or device URL. Unparseable
// input is scrubbed as free text.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactText(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}
	q := u.Query()
	changed := false
	for k := range q {
		if kvSecretPattern.MatchString(k + "=x") {
			q.Set(k, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactText scrubs credentials from decoder output and error strings,
// which routinely echo the URL they were given.
func RedactText(input string) string {
	if input == "" {
		return ""
	}
	out := userinfoPattern.ReplaceAllString(input, `${1}${2}:REDACTED@`)
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + "[REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	return out
}
