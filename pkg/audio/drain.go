package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when abandoning a streaming channel
// mid-flight (e.g. a synthesizer's PCM channel after an interrupt).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
