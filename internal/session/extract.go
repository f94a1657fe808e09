package session

import "regexp"

// artifactPattern matches the shortest span from an XML prolog or an opening
// <mxfile tag through the next closing </mxfile>.
var artifactPattern = regexp.MustCompile(`<\?xml[\s\S]*?</mxfile>|<mxfile[\s\S]*?</mxfile>`)

// ExtractArtifact returns the first draw.io document embedded in text.
func ExtractArtifact(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	loc := artifactPattern.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	return text[loc[0]:loc[1]], true
}
