package comments

import "regexp"

var unsafeMarkup = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b.*?</script\s*>`),
	regexp.MustCompile(`(?is)<iframe\b.*?</iframe\s*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

// Sanitize strips script and iframe elements, inline event handlers and
// script URL schemes from user text. Everything else is kept verbatim.
func Sanitize(s string) string {
	for _, re := range unsafeMarkup {
		s = re.ReplaceAllString(s, "")
	}
	return s
}
