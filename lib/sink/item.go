// Package sink stores the outputs of the last stage of a pipeline.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Item is a stored output.
type Item struct {
	// Key identifies the item by its stage and content, overlapping
	// branches of a crawl produce the same key for the same item.
	Key       string
	Stage     string
	Payload   json.RawMessage
	CreatedAt time.Time
}

func encode(stage string, item any) (string, []byte, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return "", nil, fmt.Errorf("encode item of %s: %w", stage, err)
	}
	digest := xxhash.New()
	_, _ = digest.WriteString(stage)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.Write(payload)
	return strconv.FormatUint(digest.Sum64(), 16), payload, nil
}

const maxPayloadColumn = 80

// Render prints items as a table.
func Render(w io.Writer, items []Item) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Key", "Stage", "Payload", "Created"})
	for _, item := range items {
		payload := string(item.Payload)
		if len(payload) > maxPayloadColumn {
			payload = payload[:maxPayloadColumn-3] + "..."
		}
		created := ""
		if !item.CreatedAt.IsZero() {
			created = item.CreatedAt.Format(time.DateTime)
		}
		t.AppendRow(table.Row{item.Key, item.Stage, payload, created})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d items", len(items)), ""})
	t.SetStyle(table.StyleRounded)
	t.Render()
}
