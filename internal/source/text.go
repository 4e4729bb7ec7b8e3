package source

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Text coerces a driver value to its staging text form. Every column is
// staged as a string so chunks of the same table always share a schema.
func Text(v any) *string {
	if v == nil {
		return nil
	}
	s, ok := textOf(v, 0)
	if !ok {
		return nil
	}
	return &s
}

func textOf(v any, depth int) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		if utf8.Valid(x) {
			return string(x), true
		}
		return hex.EncodeToString(x), true
	case time.Time:
		return x.Format(time.RFC3339Nano), true
	case [16]byte:
		return uuid.UUID(x).String(), true
	case uuid.UUID:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case driver.Valuer:
		if depth > 2 {
			break
		}
		inner, err := x.Value()
		if err != nil {
			return fmt.Sprint(v), true
		}
		if inner == nil {
			return "", false
		}
		return textOf(inner, depth+1)
	case fmt.Stringer:
		return x.String(), true
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b), true
	}
	return fmt.Sprint(v), true
}
