package keys

import (
	"bytes"
	"strings"
)

// Compare orders two keys of the ordered domain without encoding them:
// nil < false < true < numbers < []byte < string < tuples, numbers by
// value, bytes and strings bytewise, tuples element-wise with a shorter
// prefix first. Values outside the domain sort after everything else.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankNumber:
		fa, _, _ := toFloat(a)
		fb, _, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case rankBytes:
		return bytes.Compare(a.([]byte), b.([]byte))
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankTuple:
		ta, tb := asTuple(a), asTuple(b)
		for i := 0; i < len(ta) && i < len(tb); i++ {
			if c := Compare(ta[i], tb[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(ta) < len(tb):
			return -1
		case len(ta) > len(tb):
			return 1
		}
	}
	return 0
}

const (
	rankNil = iota
	rankFalse
	rankTrue
	rankNumber
	rankBytes
	rankString
	rankTuple
	rankOther
)

func rank(v any) int {
	switch k := v.(type) {
	case nil:
		return rankNil
	case bool:
		if k {
			return rankTrue
		}
		return rankFalse
	case []byte:
		return rankBytes
	case string:
		return rankString
	case Tuple, []any:
		return rankTuple
	}
	if _, ok, err := toFloat(v); ok && err == nil {
		return rankNumber
	}
	return rankOther
}

func asTuple(v any) []any {
	if t, ok := v.(Tuple); ok {
		return t
	}
	return v.([]any)
}
