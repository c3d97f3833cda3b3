package generator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/manash/gentrack/internal/security"
)

func (g *Generator) logRequest(method, url string, headers http.Header, body []byte) {
	if !g.verbose {
		return
	}

	fmt.Fprintln(g.log, "--- REQUEST ---")
	fmt.Fprintf(g.log, "%s %s\n", method, url)
	g.logHeaders(headers)
	g.logBody(body)
	fmt.Fprintln(g.log, "---------------")
}

func (g *Generator) logResponse(statusCode int, headers http.Header, body []byte) {
	if !g.verbose {
		return
	}

	fmt.Fprintln(g.log, "--- RESPONSE ---")
	fmt.Fprintf(g.log, "Status: %d\n", statusCode)
	g.logHeaders(headers)
	g.logBody(body)
	fmt.Fprintln(g.log, "----------------")
}

func (g *Generator) logHeaders(headers http.Header) {
	redacted := security.RedactHeaders(headers)
	keys := make([]string, 0, len(redacted))
	for key := range redacted {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintln(g.log, "Headers:")
	for _, key := range keys {
		for _, value := range redacted[key] {
			fmt.Fprintf(g.log, "  %s: %s\n", key, value)
		}
	}
}

func (g *Generator) logBody(body []byte) {
	if len(body) == 0 {
		return
	}
	fmt.Fprintln(g.log, "Body:")
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "  ", "  "); err == nil {
		fmt.Fprintf(g.log, "  %s\n", pretty.String())
	} else {
		fmt.Fprintf(g.log, "  %s\n", string(body))
	}
}
