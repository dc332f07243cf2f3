package twilio

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// ConnectStream builds the TwiML answer document that bridges the call into
// a bidirectional media stream at wsURL. params become custom stream
// parameters, echoed back in the stream's start frame.
func ConnectStream(wsURL string, params map[string]string) string {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString("<Response><Connect>")
	fmt.Fprintf(&sb, `<Stream url="%s">`, escapeAttr(wsURL))

	// Deterministic parameter order keeps the document stable for tests
	// and request logs.
	for _, name := range sortedKeys(params) {
		fmt.Fprintf(&sb, `<Parameter name="%s" value="%s"/>`,
			escapeAttr(name), escapeAttr(params[name]))
	}

	sb.WriteString("</Stream></Connect></Response>")
	return sb.String()
}

// Reject builds the TwiML document that declines a call.
func Reject() string {
	return xml.Header + "<Response><Reject/></Response>"
}

func escapeAttr(s string) string {
	var sb strings.Builder
	if err := xml.EscapeText(&sb, []byte(s)); err != nil {
		return ""
	}
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
