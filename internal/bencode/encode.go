package bencode

import (
	"bytes"
	"fmt"
	"sort"
)

// Encode serializes a value produced by Decode (or an equivalent
// map[string]interface{}/[]interface{}/int64/[]byte/string tree) back
// to canonical bencode. Dict keys are sorted lexicographically, which
// is required by the spec and makes Encode(Decode(x)) == x for any
// already-canonical x.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case int64:
		fmt.Fprintf(buf, "i%de", t)
	case int:
		fmt.Fprintf(buf, "i%de", t)
	case []byte:
		fmt.Fprintf(buf, "%d:", len(t))
		buf.Write(t)
	case string:
		fmt.Fprintf(buf, "%d:", len(t))
		buf.WriteString(t)
	case []interface{}:
		buf.WriteByte('l')
		for _, item := range t {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]interface{}:
		buf.WriteByte('d')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:%s", len(k), k)
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}
