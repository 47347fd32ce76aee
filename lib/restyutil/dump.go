package restyutil

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/go-resty/resty/v2"
)

// bodies past this size are cut in dumps, search payloads can be megabytes
const maxDumpBody = 64 * 1024

func writeHeaders(out *strings.Builder, headers http.Header) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			fmt.Fprintf(out, "%s: %s\n", k, v)
		}
	}
}

func writeBody(out *strings.Builder, body string) {
	if body == "" {
		out.WriteString("<EMPTY BODY>\n")
		return
	}
	if len(body) > maxDumpBody {
		fmt.Fprintf(out, "%s\n<TRUNCATED %d BYTES>\n", body[:maxDumpBody], len(body)-maxDumpBody)
		return
	}
	out.WriteString(body)
	out.WriteString("\n")
}

func requestBody(req *http.Request) string {
	if req == nil || req.GetBody == nil {
		return ""
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Sprintf("<UNAVAILABLE: %s>", err)
	}
	defer body.Close()
	content, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("<UNAVAILABLE: %s>", err)
	}
	return string(content)
}

// finalURL is the url the response was served from after redirects.
func finalURL(res *resty.Response) string {
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		return res.RawResponse.Request.URL.String()
	}
	return res.Request.URL
}

// formatExchange renders a request and its response as plain text.
func formatExchange(res *resty.Response) string {
	var out strings.Builder

	out.WriteString("---- REQUEST ----\n\n")
	fmt.Fprintf(&out, "%s %s\n\n", res.Request.Method, res.Request.URL)
	if res.Request.RawRequest != nil {
		writeHeaders(&out, res.Request.RawRequest.Header)
		out.WriteString("\n")
	}
	writeBody(&out, requestBody(res.Request.RawRequest))

	out.WriteString("\n---- RESPONSE ----\n\n")
	fmt.Fprintf(&out, "%d %s\n\n", res.StatusCode(), finalURL(res))
	writeHeaders(&out, res.Header())
	out.WriteString("\n")
	writeBody(&out, res.String())

	return out.String()
}
