package interview

// Fragment is one unit of a streamed reply: a sentence ready for synthesis, or
// a terminal error. A fragment with Err set is the last one on its channel.
type Fragment struct {
	Text string
	Err  error
}
