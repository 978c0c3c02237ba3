package cmn

import "fmt"

// Assert panics if cond is false. Reserved for invariants that must never
// be false in correct code (e.g. a slice record landing outside its block) —
// never used for request validation, which returns a KindInvalid *Error
// instead.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: %s", msg))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
