package claim

import (
	"errors"
	"fmt"
	"reflect"
	"unicode"
)

// ErrStaleLock reports that a lock was gone or owned by another worker when
// its claim was finalized. Another worker may have processed the batch too.
var ErrStaleLock = errors.New("stale lock")

type kinded interface {
	Kind() string
}

// ErrorKind names the class of err: an explicit Kind() if any error in the
// chain has one, else the first exported concrete type name, else "Error".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) && k.Kind() != "" {
		return k.Kind()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		name := t.Name()
		if name != "" && unicode.IsUpper([]rune(name)[0]) {
			return name
		}
	}
	return "Error"
}

// FormatError renders the payload stored in a FAILED marker.
func FormatError(batchID string, err error) string {
	return fmt.Sprintf("%s in batch %s: %s", ErrorKind(err), batchID, err.Error())
}
