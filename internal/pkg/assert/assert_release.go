//go:build release

package assert

func True(v bool, msg ...string)                         {}
func Equal[T comparable](v1, v2 T, msg ...string)         {}
func LessOrEqual[T ~int | ~int64](v1, v2 T, msg ...string) {}
