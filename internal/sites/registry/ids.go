package registry

import (
	"strings"

	"github.com/tidwall/gjson"
)

func gjsonIDs(payload []byte, store string) []string {
	result := gjson.GetBytes(payload, store+".items.#.id")
	if !result.IsArray() {
		return nil
	}
	var out []string
	for _, id := range result.Array() {
		if id.Type == gjson.Null {
			continue
		}
		value := strings.ReplaceAll(id.String(), " ", "")
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
