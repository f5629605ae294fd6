package normalize

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SurrogateKey derives the row key from natural-key values in declaration
// order: the first 16 bytes of SHA-256 over the concatenated Stringify forms.
// The result depends on nothing but the values, so it is stable across runs.
func SurrogateKey(values ...any) uuid.UUID {
	var combined strings.Builder
	for _, value := range values {
		combined.WriteString(Stringify(value))
	}
	sum := sha256.Sum256([]byte(combined.String()))
	key, _ := uuid.FromBytes(sum[:16])
	return key
}

// Stringify renders a normalized value the way the warehouse's historical
// keys were computed: None for null, True/False, integral floats with ".0",
// timestamps as "YYYY-MM-DD HH:MM:SS[.ffffff]".
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "None"
	case string:
		return v
	case bool:
		if v {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return formatFloat(float64(v))
	case float64:
		return formatFloat(v)
	case json.Number:
		return v.String()
	case time.Time:
		if v.Nanosecond() == 0 {
			return v.Format("2006-01-02 15:04:05")
		}
		return v.Format("2006-01-02 15:04:05.000000")
	case uuid.UUID:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e16 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
