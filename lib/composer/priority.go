package composer

import (
	"encoding/json"
	"fmt"
	"math"
)

func priorityValue(value any) (float64, error) {
	var out float64
	switch v := value.(type) {
	case int:
		out = float64(v)
	case int8:
		out = float64(v)
	case int16:
		out = float64(v)
	case int32:
		out = float64(v)
	case int64:
		out = float64(v)
	case uint:
		out = float64(v)
	case uint8:
		out = float64(v)
	case uint16:
		out = float64(v)
	case uint32:
		out = float64(v)
	case uint64:
		out = float64(v)
	case float32:
		out = float64(v)
	case float64:
		out = v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("priority %q is not a number", v.String())
		}
		out = f
	default:
		return 0, fmt.Errorf("priority %v (%T) is not a number", value, value)
	}
	if math.IsNaN(out) {
		return 0, fmt.Errorf("priority is NaN")
	}
	return out, nil
}
