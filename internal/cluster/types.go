package cluster

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostgreSQL type OIDs reported in row descriptions.
const (
	OIDBool      uint32 = 16
	OIDBytea     uint32 = 17
	OIDInt8      uint32 = 20
	OIDText      uint32 = 25
	OIDFloat8    uint32 = 701
	OIDTimestamp uint32 = 1114
)

const timestampFormat = "2006-01-02 15:04:05.999999"

// columnOID maps an SQLite declared column type to the PostgreSQL type a
// client should decode it as. Undeclared and unknown types are text.
func columnOID(decl string) uint32 {
	decl = strings.ToUpper(decl)
	switch {
	case strings.Contains(decl, "INT"):
		return OIDInt8
	case strings.Contains(decl, "REAL"), strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return OIDFloat8
	case strings.Contains(decl, "BLOB"):
		return OIDBytea
	case strings.Contains(decl, "BOOL"):
		return OIDBool
	case strings.Contains(decl, "TIMESTAMP"), strings.Contains(decl, "DATETIME"):
		return OIDTimestamp
	default:
		return OIDText
	}
}

// encodeValue renders a scanned SQLite value in PostgreSQL text format. A
// nil value encodes as nil, which goes on the wire as NULL.
func encodeValue(val any) (oid uint32, encoded []byte, err error) {
	switch v := val.(type) {
	case nil:
		return ^uint32(0), nil, nil
	case int:
		return OIDInt8, strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return OIDInt8, strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return OIDInt8, strconv.AppendInt(nil, v, 10), nil
	case float64:
		return OIDFloat8, strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	case bool:
		if v {
			return OIDBool, []byte("t"), nil
		}
		return OIDBool, []byte("f"), nil
	case string:
		return OIDText, []byte(v), nil
	case []byte:
		return OIDBytea, v, nil
	case time.Time:
		return OIDTimestamp, []byte(v.UTC().Format(timestampFormat)), nil
	default:
		return OIDText, []byte(fmt.Sprint(v)), nil
	}
}
