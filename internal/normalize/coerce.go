package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"
)

var (
	errNotCoercible = errors.New("value not coercible")

	timeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05Z0700",
		"2006-01-02 15:04:05 -0700 MST",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
		"2006/01/02 15:04:05",
		"2006/01/02",
		"01/02/2006 15:04:05",
		"01/02/2006",
		"02/01/2006",
		time.RFC1123Z,
		time.RFC1123,
	}
)

// millisecond epochs are assumed past this magnitude
const epochMillisThreshold = 1e11

// Cell is the outcome of coercing one value. A nil Value with Recovered set
// means the source value could not be cast and was replaced by NULL; a nil
// Value without it means the source itself was null or absent.
type Cell struct {
	Value     any
	Recovered bool
}

func nullCell() Cell      { return Cell{} }
func recoveredCell() Cell { return Cell{Recovered: true} }

// Coerce casts raw to the semantic type. It never fails: values that cannot be
// cast come back as a recovered NULL.
func Coerce(semantic domain.SemanticType, raw any, loc *time.Location) Cell {
	if raw == nil {
		return nullCell()
	}
	if loc == nil {
		loc = time.UTC
	}

	var (
		value any
		err   error
	)
	switch semantic {
	case domain.TypeString, domain.TypeIdentifier:
		value, err = toText(raw)
	case domain.TypeInteger:
		value, err = toInteger(raw)
	case domain.TypeFloat, domain.TypeDecimal:
		value, err = toFloat(raw)
	case domain.TypeBoolean:
		value, err = toBoolean(raw)
	case domain.TypeTimestamp:
		var ts time.Time
		ts, err = toTime(raw, loc)
		value = ts.Truncate(time.Millisecond)
	case domain.TypeDate:
		var ts time.Time
		ts, err = toTime(raw, loc)
		value = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, loc)
	default:
		err = fmt.Errorf("%w %q", domain.ErrUnknownType, semantic)
	}
	if err != nil {
		return recoveredCell()
	}
	return Cell{Value: value}
}

func toText(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case []any, map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	default:
		return strings.TrimSpace(Stringify(v)), nil
	}
}

func toInteger(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		return integralFloat(f)
	case float64:
		return integralFloat(v)
	case float32:
		return integralFloat(float64(v))
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, errNotCoercible
		}
		return integralFloat(f)
	}
	return 0, errNotCoercible
}

func integralFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Mod(f, 1) != 0 {
		return 0, errNotCoercible
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, errNotCoercible
	}
	return int64(f), nil
}

func toFloat(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, errNotCoercible
		}
		f = parsed
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case bool:
		if v {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errNotCoercible
		}
		f = parsed
	default:
		return 0, errNotCoercible
	}
	// NaN is the null marker of the upstream dataframes
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotCoercible
	}
	return f, nil
}

func toBoolean(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return false, errNotCoercible
		}
		return f != 0, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case string:
		value := strings.ToLower(strings.TrimSpace(v))
		switch value {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return false, errNotCoercible
		}
		return parsed, nil
	}
	return false, errNotCoercible
}

func toTime(raw any, loc *time.Location) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return wallClock(v, loc), nil
	case string:
		ts, err := parseTimestamp(v)
		if err != nil {
			return time.Time{}, err
		}
		return wallClock(ts, loc), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, errNotCoercible
		}
		return fromEpoch(f, loc)
	case float64:
		return fromEpoch(v, loc)
	case int64:
		return fromEpoch(float64(v), loc)
	case int:
		return fromEpoch(float64(v), loc)
	}
	return time.Time{}, errNotCoercible
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errNotCoercible
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", raw)
}

// wallClock drops any offset carried by t: its wall-clock fields are taken as
// already being in the storage location.
func wallClock(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func fromEpoch(f float64, loc *time.Location) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, errNotCoercible
	}
	var ts time.Time
	if math.Abs(f) >= epochMillisThreshold {
		ts = time.UnixMilli(int64(f))
	} else {
		sec, frac := math.Modf(f)
		ts = time.Unix(int64(sec), int64(frac*1e9))
	}
	// Epochs are UTC instants; their UTC wall clock follows the same
	// convention as parsed strings.
	return wallClock(ts.UTC(), loc), nil
}
