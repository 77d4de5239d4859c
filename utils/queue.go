package utils

// PushOrQuit pushes v into c unless quit is closed first.
func PushOrQuit[T any](c chan<- T, v T, quit <-chan struct{}) {
	select {
	case c <- v:
	case <-quit:
	}
}
